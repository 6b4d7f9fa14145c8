package resource

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the random source used for every pick. Implementations must be
// safe for concurrent use.
type Rand interface {
	// Intn returns a value in [0, n). n is always positive.
	Intn(n int) int
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRand returns a concurrency-safe Rand seeded with seed.
func NewRand(seed int64) Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// DefaultRand returns a concurrency-safe Rand seeded from the clock.
func DefaultRand() Rand {
	return NewRand(time.Now().UnixNano())
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	v := r.rnd.Intn(n)
	r.mu.Unlock()
	return v
}
