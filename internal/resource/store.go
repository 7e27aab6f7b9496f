package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound means the backend has no record for the reference. It is a
	// clean miss, not a failure.
	ErrNotFound = errors.New("resource not found")
	// ErrAllBackendsFailed is returned by a federation when no backend
	// produced the record and at least one of them errored.
	ErrAllBackendsFailed = errors.New("all resource backends failed")
	// ErrNoBackends is returned when a federation is built without backends.
	ErrNoBackends = errors.New("no resource backends configured")
	// ErrUnknownScheme is returned by the registry for unregistered specs.
	ErrUnknownScheme = errors.New("unknown backend scheme")
)

// Store retrieves archived records by reference.
type Store interface {
	GetResource(ctx context.Context, ref Reference) (*Record, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, ref Reference) (*Record, error)

// GetResource calls f.
func (f StoreFunc) GetResource(ctx context.Context, ref Reference) (*Record, error) {
	return f(ctx, ref)
}

// Backend is a named Store taking part in a federation.
type Backend struct {
	Name  string
	Store Store
}

// Factory builds a Store from a backend spec such as "warcdir:/data/warcs"
// or "http://loader.internal:8083".
type Factory func(spec string) (Store, error)

// Registry maps backend spec schemes to factories. It is populated at
// startup; there is no runtime discovery.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds scheme to factory, replacing any previous binding.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds a named backend from spec.
func (r *Registry) Open(name, spec string) (Backend, error) {
	idx := strings.IndexByte(spec, ':')
	if idx <= 0 {
		return Backend{}, fmt.Errorf("%w: %q", ErrUnknownScheme, spec)
	}
	scheme := strings.ToLower(spec[:idx])
	r.mu.RLock()
	f, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	store, err := f(spec)
	if err != nil {
		return Backend{}, fmt.Errorf("open backend %s: %w", name, err)
	}
	if name == "" {
		name = spec
	}
	return Backend{Name: name, Store: store}, nil
}
