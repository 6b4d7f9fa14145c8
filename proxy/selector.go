package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/sardanioss/proxycloak/config"
	"github.com/sardanioss/proxycloak/resource"
)

var (
	// ErrNoHealthyProxy is returned when every entry of a proxy list is
	// quarantined.
	ErrNoHealthyProxy = errors.New("no healthy proxy")

	// ErrListUnavailable wraps the error of a proxy list file that could
	// not be loaded.
	ErrListUnavailable = errors.New("proxy list unavailable")
)

// Selector resolves the proxy options of a request into an endpoint.
type Selector struct {
	rand  resource.Rand
	files *resource.Registry

	mu     sync.Mutex
	lists  map[*resource.List]*List
	single sync.Map // raw url -> *Endpoint

	quarantine *ristretto.Cache[string, struct{}]
	ttl        time.Duration
}

// maxQuarantined bounds the number of endpoints marked at once; each mark
// costs 1.
const maxQuarantined = 1e5

// SelectorOption configures a Selector.
type SelectorOption func(*Selector) error

// WithQuarantine skips endpoints reported through Quarantine for ttl.
// A non-positive ttl leaves quarantine off.
func WithQuarantine(ttl time.Duration) SelectorOption {
	return func(s *Selector) error {
		if ttl <= 0 {
			return nil
		}
		qc, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
			NumCounters:        maxQuarantined * 10,
			MaxCost:            maxQuarantined,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return fmt.Errorf("proxy quarantine: %w", err)
		}
		s.quarantine = qc
		s.ttl = ttl
		return nil
	}
}

// NewSelector returns a Selector that loads list files through files and
// picks with r.
func NewSelector(r resource.Rand, files *resource.Registry, opts ...SelectorOption) (*Selector, error) {
	if r == nil {
		r = resource.DefaultRand()
	}
	if files == nil {
		files = resource.NewRegistry()
	}
	s := &Selector{
		rand:  r,
		files: files,
		lists: make(map[*resource.List]*List),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Select returns the endpoint for opts, or nil for a direct connection.
// A url is used as is; a listPath yields a uniform random entry per call.
func (s *Selector) Select(opts config.Proxy) (*Endpoint, error) {
	if opts.Disable {
		return nil, nil
	}
	if opts.URL != "" {
		return s.parseSingle(opts.URL)
	}
	if opts.ListPath == "" {
		return nil, nil
	}

	l, err := s.List(opts.ListPath)
	if err != nil {
		return nil, err
	}
	return s.pick(l.Endpoints())
}

// List returns the parsed proxy list for path, loading the file on first
// use.
func (s *Selector) List(path string) (*List, error) {
	src, err := s.files.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[src]
	if !ok {
		l = NewList(src)
		s.lists[src] = l
	}
	return l, nil
}

// Load (re)reads the list file at path. The file is re-read only when its
// modification time advanced. On error the previous entries are kept.
func (s *Selector) Load(path string) (*List, error) {
	l, err := s.List(path)
	if err != nil {
		return nil, err
	}
	if _, err := l.src.Load(path); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Selector) parseSingle(raw string) (*Endpoint, error) {
	if v, ok := s.single.Load(raw); ok {
		return v.(*Endpoint), nil
	}
	ep, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	s.single.Store(raw, ep)
	return ep, nil
}

func (s *Selector) pick(eps []*Endpoint) (*Endpoint, error) {
	if len(eps) == 0 {
		return nil, nil
	}
	ep := eps[s.rand.Intn(len(eps))]
	if !s.quarantined(ep) {
		return ep, nil
	}

	healthy := make([]*Endpoint, 0, len(eps))
	for _, e := range eps {
		if !s.quarantined(e) {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyProxy
	}
	return healthy[s.rand.Intn(len(healthy))], nil
}

// Quarantine marks ep as unhealthy for the configured TTL. It reports
// whether the mark was stored, which is never the case with quarantine off.
func (s *Selector) Quarantine(ep *Endpoint) bool {
	if s.quarantine == nil || ep == nil {
		return false
	}
	if !s.quarantine.SetWithTTL(ep.Key(), struct{}{}, 1, s.ttl) {
		return false
	}
	s.quarantine.Wait()
	return true
}

// Release clears a quarantine mark.
func (s *Selector) Release(ep *Endpoint) {
	if s.quarantine == nil || ep == nil {
		return
	}
	s.quarantine.Del(ep.Key())
}

func (s *Selector) quarantined(ep *Endpoint) bool {
	if s.quarantine == nil {
		return false
	}
	_, ok := s.quarantine.Get(ep.Key())
	return ok
}

// Close releases the quarantine cache.
func (s *Selector) Close() {
	if s.quarantine != nil {
		s.quarantine.Close()
	}
}
