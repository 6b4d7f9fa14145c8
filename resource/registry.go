package resource

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches lists by file path. The first Get for a path loads it;
// later calls share the loaded list. Concurrent first loads of one path
// are collapsed into a single read.
type Registry struct {
	mu    sync.RWMutex
	lists map[string]*List
	group singleflight.Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{lists: make(map[string]*List)}
}

// Get returns the list for path, loading it on first use. A failed load is
// not cached.
func (r *Registry) Get(path string) (*List, error) {
	r.mu.RLock()
	l, ok := r.lists[path]
	r.mu.RUnlock()
	if ok {
		return l, nil
	}

	v, err, _ := r.group.Do(path, func() (any, error) {
		r.mu.RLock()
		l, ok := r.lists[path]
		r.mu.RUnlock()
		if ok {
			return l, nil
		}
		l = NewList(nil)
		if _, err := l.Load(path); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.lists[path] = l
		r.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*List), nil
}

// Put publishes l as the list for path. A list already cached for path
// takes over the contents of l, so holders of it see the new entries.
func (r *Registry) Put(path string, l *List) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.lists[path]; ok {
		cur.Publish(l)
		return
	}
	r.lists[path] = l
}

// Reload reloads every cached list whose file changed. A list that fails
// keeps its entries; the errors are joined.
func (r *Registry) Reload() error {
	r.mu.RLock()
	lists := make(map[string]*List, len(r.lists))
	for path, l := range r.lists {
		lists[path] = l
	}
	r.mu.RUnlock()

	var errs []error
	for path, l := range lists {
		if _, err := l.Load(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of cached lists.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lists)
}
