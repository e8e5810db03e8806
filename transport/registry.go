package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	ErrSystemRequired = errors.New("busflow: broker system is required")
	ErrUnknownSystem  = errors.New("busflow: unknown broker system")
)

type backend struct {
	build Builder
	caps  Capabilities
}

// Registry maps broker system names to their builders and capabilities.
// Backend packages register themselves from init.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
}

// DefaultRegistry holds every backend linked into the binary.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backend)}
}

// Register sets the builder of a broker system and keeps capabilities
// registered earlier. The name is the broker system config value, e.g. "kafka".
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.backends[name]
	b.build = builder
	r.backends[name] = b
}

// RegisterWithCapabilities sets both the builder and the capabilities of a
// broker system.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend{build: builder, caps: caps}
}

// GetCapabilities returns the capabilities of a broker system. Systems
// registered without capabilities report none.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok || b.caps.Name == "" {
		return Capabilities{Name: name}
	}
	return b.caps
}

// Build validates the connection and runs the builder of cfg.System.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg.System == "" {
		return Transport{}, ErrSystemRequired
	}
	r.mu.RLock()
	b, ok := r.backends[cfg.System]
	r.mu.RUnlock()
	if !ok || b.build == nil {
		return Transport{}, fmt.Errorf("%w %q, registered: %v", ErrUnknownSystem, cfg.System, r.Names())
	}

	if err := cfg.Connection.Validate(); err != nil {
		return Transport{}, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return b.build(ctx, cfg, logger)
}

// Names lists the registered broker systems in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.backends))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[name]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) { DefaultRegistry.Register(name, builder) }

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
