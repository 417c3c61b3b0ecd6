// Package registry maps capability tags to task handlers.
//
// The registry is populated at process start. The first Lookup (or Tags)
// freezes it: later registrations fail with ErrRegistryFrozen, and lookups
// read the table without taking a lock.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Errors for registry operations.
var (
	ErrRegistryFrozen      = errors.New("registry is frozen")
	ErrNotFound            = errors.New("no handler registered for capability")
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrInvalidCapability   = errors.New("invalid capability")
	ErrNilHandler          = errors.New("handler is nil")
)

// Entry is a registered handler and its binding metadata.
type Entry struct {
	Capability agent.Capability
	Handler    agent.Handler

	// Kind describes the adapter behind the handler (exec, mcp, ...).
	Kind string

	// BaseUnits is the fixed cost estimate of one delegation.
	BaseUnits int64
}

// Option customizes a registration.
type Option func(*Entry)

// WithBaseUnits sets the base cost estimate for the handler.
func WithBaseUnits(units int64) Option {
	return func(e *Entry) {
		e.BaseUnits = units
	}
}

// WithKind records which adapter backs the handler.
func WithKind(kind string) Option {
	return func(e *Entry) {
		e.Kind = kind
	}
}

// Registry is a write-once capability table.
type Registry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	entries map[agent.Capability]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[agent.Capability]*Entry)}
}

// Register binds handler to capability. Each capability takes exactly one
// handler.
func (r *Registry) Register(c agent.Capability, h agent.Handler, opts ...Option) error {
	if !c.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidCapability, c)
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, c)
	}
	if _, exists := r.entries[c]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c)
	}

	e := &Entry{Capability: c, Handler: h}
	for _, opt := range opts {
		opt(e)
	}
	r.entries[c] = e
	return nil
}

// freeze makes the table read-only. The mutex orders the transition after
// any in-flight Register.
func (r *Registry) freeze() {
	if r.frozen.Load() {
		return
	}
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the handler bound to c.
func (r *Registry) Lookup(c agent.Capability) (agent.Handler, error) {
	e, err := r.Entry(c)
	if err != nil {
		return nil, err
	}
	return e.Handler, nil
}

// Entry returns the registration for c, including its metadata.
func (r *Registry) Entry(c agent.Capability) (*Entry, error) {
	r.freeze()
	e, ok := r.entries[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return e, nil
}

// Has reports whether c has a handler.
func (r *Registry) Has(c agent.Capability) bool {
	r.freeze()
	_, ok := r.entries[c]
	return ok
}

// Tags returns the registered capabilities, sorted.
func (r *Registry) Tags() []agent.Capability {
	r.freeze()
	tags := make([]agent.Capability, 0, len(r.entries))
	for c := range r.entries {
		tags = append(tags, c)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
