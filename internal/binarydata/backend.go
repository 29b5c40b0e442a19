package binarydata

import (
	"context"
	"fmt"
	"sort"
)

// Backend stores payloads for a single mode. Each backend owns its namespace;
// keys it issues never contain IDSeparator.
type Backend interface {
	// Init prepares the backend. The manager calls it exactly once.
	Init(ctx context.Context) error
	Store(ctx context.Context, data []byte) (string, error)
	// Retrieve returns ErrNotFound for unknown or deleted keys.
	Retrieve(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent: unknown keys are not an error.
	Delete(ctx context.Context, key string) error
	// Duplicate copies the payload under a new, independent key.
	Duplicate(ctx context.Context, key string) (string, error)
	// MarkForDeletion flags keys as reclaimable. When the space is actually
	// freed is up to the backend.
	MarkForDeletion(ctx context.Context, keys []string) error
	Close() error
}

// Factory builds the backend for a mode.
type Factory func(ctx context.Context) (Backend, error)

// Registry maps a mode name to the factory producing its backend. Adding a
// backend means registering a factory; the manager never switches on modes.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Registering a mode twice or registering the
// inline mode is a programming error.
func (r *Registry) Register(mode string, f Factory) {
	if mode == "" || mode == InlineMode {
		panic(fmt.Sprintf("binarydata: cannot register backend for mode %q", mode))
	}
	if f == nil {
		panic("binarydata: nil factory for mode " + mode)
	}
	if _, dup := r.factories[mode]; dup {
		panic("binarydata: mode registered twice: " + mode)
	}
	r.factories[mode] = f
}

func (r *Registry) lookup(mode string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.factories[mode]
	return f, ok
}

// Modes lists the registered modes in sorted order.
func (r *Registry) Modes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for mode := range r.factories {
		out = append(out, mode)
	}
	sort.Strings(out)
	return out
}
