package xauth

import (
	"errors"
	"sort"
	"sync"
)

// registry maps names to factories. Transports and codecs are each kept in one.
type registry[F any] struct {
	what string
	mu   sync.RWMutex
	m    map[string]F
}

func newRegistry[F any](what string, seed map[string]F) *registry[F] {
	if seed == nil {
		seed = map[string]F{}
	}
	return &registry[F]{what: what, m: seed}
}

func (r *registry[F]) register(name string, f F, isNil bool) error {
	if name == "" {
		return errors.New(r.what + " name must not be empty")
	}
	if isNil {
		return errors.New(r.what + " factory must not be nil")
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *registry[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[name]
	return f, ok
}

func (r *registry[F]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
