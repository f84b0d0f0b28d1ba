package policy

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrDuplicatePolicy is returned when a name is registered twice
	ErrDuplicatePolicy = errors.New("policy already registered")

	// ErrPolicyNotFound is returned when a name is not registered
	ErrPolicyNotFound = errors.New("policy not found")
)

// ConfigError reports a module that could not be registered.
// It is fatal at startup and never produced at request time.
type ConfigError struct {
	Policy string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for policy %q: %v", e.Policy, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the registration-time configuration of one module
type Config struct {
	Enabled  bool
	Settings map[string]interface{}
}

// NamedModule pairs a module with the name it was registered under
type NamedModule struct {
	Name   string
	Module Module
}

type registryEntry struct {
	name    string
	module  Module
	enabled bool
}

// Registry holds named, configured modules in registration order
type Registry struct {
	mu      sync.RWMutex
	entries []*registryEntry
	index   map[string]int
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		index:  make(map[string]int),
		logger: logger,
	}
}

// Register configures module with cfg and adds it under name
func (r *Registry) Register(name string, module Module, cfg Config) error {
	if name == "" {
		return &ConfigError{Policy: name, Err: errors.New("policy name cannot be empty")}
	}
	if module == nil {
		return &ConfigError{Policy: name, Err: errors.New("module cannot be nil")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, name)
	}

	if configurable, ok := module.(Configurable); ok {
		settings := cfg.Settings
		if settings == nil {
			settings = map[string]interface{}{}
		}
		if err := configurable.Configure(settings); err != nil {
			return &ConfigError{Policy: name, Err: err}
		}
	}

	r.entries = append(r.entries, &registryEntry{
		name:    name,
		module:  module,
		enabled: cfg.Enabled,
	})
	r.index[name] = len(r.entries) - 1

	r.logger.Info("policy registered",
		zap.String("policy", name),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("position", len(r.entries)-1))

	return nil
}

// Unregister removes a module, keeping the order of the rest
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, exists := r.index[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	r.entries = append(r.entries[:pos], r.entries[pos+1:]...)
	r.index = make(map[string]int, len(r.entries))
	for i, e := range r.entries {
		r.index[e.name] = i
	}
	return nil
}

// SetEnabled toggles a registered module
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, exists := r.index[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	r.entries[pos].enabled = enabled
	return nil
}

// Get returns the module registered under name
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, exists := r.index[name]
	if !exists {
		return nil, false
	}
	return r.entries[pos].module, true
}

// ActivePolicies returns the enabled modules in registration order
func (r *Registry) ActivePolicies() []NamedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]NamedModule, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			active = append(active, NamedModule{Name: e.name, Module: e.module})
		}
	}
	return active
}

// Names returns every registered name in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of registered modules, enabled or not
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
