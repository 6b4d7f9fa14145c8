package proxy

import (
	"sync/atomic"

	"github.com/sardanioss/proxycloak/resource"
)

// List is a proxy list file parsed into endpoints. It wraps a
// resource.List and re-parses lazily whenever the underlying snapshot
// changes. Malformed lines are skipped.
type List struct {
	src  *resource.List
	snap atomic.Pointer[parsed]
}

type parsed struct {
	lines     []string
	endpoints []*Endpoint
	skipped   []string
}

// NewList wraps src.
func NewList(src *resource.List) *List {
	return &List{src: src}
}

// Endpoints returns the valid endpoints of the current snapshot.
func (l *List) Endpoints() []*Endpoint {
	return l.current().endpoints
}

// Skipped returns the lines of the current snapshot that failed to parse.
func (l *List) Skipped() []string {
	return l.current().skipped
}

func (l *List) current() *parsed {
	lines := l.src.Items()
	if p := l.snap.Load(); p != nil && sameSnapshot(p.lines, lines) {
		return p
	}

	p := &parsed{lines: lines, endpoints: make([]*Endpoint, 0, len(lines))}
	for _, line := range lines {
		ep, err := Parse(line)
		if err != nil {
			p.skipped = append(p.skipped, line)
			continue
		}
		p.endpoints = append(p.endpoints, ep)
	}
	l.snap.Store(p)
	return p
}

// sameSnapshot reports whether a and b are the same immutable slice.
func sameSnapshot(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
