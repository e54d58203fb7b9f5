// Package publock holds the per-source publish locks. A publish into
// "<dest>/<source>/" and a prune of the same directory never overlap, while
// different sources never contend.
package publock

import "sync"

// Registry hands out one mutex per source name. The zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) get(source string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks == nil {
		r.locks = make(map[string]*sync.Mutex)
	}
	l, ok := r.locks[source]
	if !ok {
		l = &sync.Mutex{}
		r.locks[source] = l
	}
	return l
}

// Lock blocks until the lock for source is held and returns its release func.
func (r *Registry) Lock(source string) (unlock func()) {
	l := r.get(source)
	l.Lock()
	return l.Unlock
}

// TryLock acquires the lock for source if it is free.
func (r *Registry) TryLock(source string) (unlock func(), ok bool) {
	l := r.get(source)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
