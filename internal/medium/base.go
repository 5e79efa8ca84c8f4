// Created by WINK Streaming (https://www.wink.co)
package medium

import "sync"

// Base is embedded by every concrete Medium. It carries the name
// unique within its Registry and idempotent-close bookkeeping: closing
// a Medium removes it from the registry and is safe to call more than
// once, with subsequent lookups reporting not-found.
type Base struct {
	mu       sync.Mutex
	name     string
	registry *Registry
	closed   bool
}

// NewBase returns a Base for embedding, named name or, when name is
// empty, a name generated for typeTag. It does not register anything;
// the caller registers the finished medium with Registry.Register.
func NewBase(registry *Registry, typeTag, name string) Base {
	if name == "" {
		name = registry.GenerateName(typeTag)
	}
	return Base{name: name, registry: registry}
}

// Name returns the medium's registry name.
func (b *Base) Name() string { return b.name }

// CloseBase unregisters the medium. It is safe to call more than
// once; only the first call has any effect.
func (b *Base) CloseBase() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.registry.Unregister(b.name)
	return nil
}

// Closed reports whether CloseBase has already run.
func (b *Base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
