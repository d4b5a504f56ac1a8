// Package extensions holds the process-wide, type-indexed registry of shared
// configuration objects consulted by the request pipeline.
//
// Extensions are built once at startup, in dependency order, and the registry
// is sealed before the first request is served. After sealing the registry is
// read-only and may be shared freely between goroutines.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrExtensionNotFound = errors.New("extension not found")
	ErrRegistrySealed    = errors.New("extension registry sealed")
	ErrDuplicate         = errors.New("extension already registered")
)

// Factory builds an extension of type T from its configuration. The registry
// passed in contains every extension registered before it, so later
// extensions may depend on earlier ones.
type Factory[C, T any] func(ctx context.Context, cfg C, reg *Registry) (T, error)

type Registry struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{values: make(map[reflect.Type]any)}
}

// Seal forbids further registration. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

func (r *Registry) store(key reflect.Type, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", key, ErrRegistrySealed)
	}
	if _, ok := r.values[key]; ok {
		return fmt.Errorf("register %s: %w", key, ErrDuplicate)
	}
	r.values[key] = value
	return nil
}

func (r *Registry) load(key reflect.Type) (any, bool) {
	r.mu.RLock()
	value, ok := r.values[key]
	r.mu.RUnlock()
	return value, ok
}

// Register stores value under its static type T.
func Register[T any](r *Registry, value T) error {
	return r.store(reflect.TypeFor[T](), value)
}

// Lookup returns the extension of type T if one was registered.
func Lookup[T any](r *Registry) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	value, ok := r.load(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// Get is Lookup with an ErrExtensionNotFound error for missing extensions.
func Get[T any](r *Registry) (T, error) {
	value, ok := Lookup[T](r)
	if !ok {
		return value, fmt.Errorf("%s: %w", reflect.TypeFor[T](), ErrExtensionNotFound)
	}
	return value, nil
}

// Build runs factory against cfg and registers the result. Errors are fatal to
// startup; callers must not fall back to serving without the extension.
func Build[C, T any](ctx context.Context, r *Registry, cfg C, factory Factory[C, T]) (T, error) {
	var zero T
	if r.Sealed() {
		return zero, fmt.Errorf("build %s: %w", reflect.TypeFor[T](), ErrRegistrySealed)
	}
	value, err := factory(ctx, cfg, r)
	if err != nil {
		return zero, fmt.Errorf("build %s: %w", reflect.TypeFor[T](), err)
	}
	if err := Register(r, value); err != nil {
		return zero, err
	}
	return value, nil
}
