// Created by WINK Streaming (https://www.wink.co)

// Package medium implements a process-scoped named-object registry.
// Every pipeline object (sources, filters, sinks, sockets, the RTSP
// client) embeds Base and is tracked here under a unique name so it
// can be looked up and closed deterministically.
package medium

import (
	"fmt"
	"sync"
)

// Medium is the capability every registered object exposes. Callers
// that need a role check perform a type assertion against a narrower
// interface (RTSPClient, FramedSource, ...) via LookupAs, rather than
// calling an IsXxx method.
type Medium interface {
	Name() string
	Close() error
}

// Registry is a per-environment table of named mediums. References
// are weak: Close always frees the slot, and there are no
// shared-ownership cycles — the registry never keeps a medium alive
// past its own Close call.
type Registry struct {
	mu      sync.Mutex
	objects map[string]Medium
	counter map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[string]Medium),
		counter: make(map[string]int),
	}
}

// GenerateName returns a unique name for typeTag, using a per-tag
// monotonic counter the way live555 generates names when the caller
// doesn't supply one (e.g. "RTSPClient#3").
func (r *Registry) GenerateName(typeTag string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter[typeTag]++
	return fmt.Sprintf("%s#%d", typeTag, r.counter[typeTag])
}

// Register adds m under its own Name(). Registering a second medium
// under a name already in use replaces the mapping; it does not close
// the previous occupant (callers are expected to pick unique names,
// typically via GenerateName).
func (r *Registry) Register(m Medium) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[m.Name()] = m
}

// Unregister removes name from the table. It is idempotent: removing
// a name that is absent is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, name)
}

// Lookup finds the medium registered under name, or (nil, false) if
// none exists or it has since been closed.
func (r *Registry) Lookup(name string) (Medium, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.objects[name]
	return m, ok
}

// LookupAs finds the medium registered under name and type-asserts it
// to T, so a lookup can be checked against a requested role in one step.
func LookupAs[T Medium](r *Registry, name string) (T, bool) {
	var zero T
	m, ok := r.Lookup(name)
	if !ok {
		return zero, false
	}
	typed, ok := m.(T)
	return typed, ok
}
