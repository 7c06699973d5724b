// Package instrument defines the capability interface page-activity hooks
// implement and a named registry that enables and disables them independently.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/trace"
)

// Instrumentation is the capability every hook provides: detect one kind of
// page activity and turn it into spans or events. Hooks are an open set;
// anything with a name and a start/stop lifecycle qualifies. A hook that
// cannot observe its activity degrades to producing nothing, it never fails
// the page.
type Instrumentation interface {
	// Name identifies the hook for Enable/Disable. Stable and unique.
	Name() string
	// Start begins observing, creating spans through provider. Called at
	// most once between Stop calls.
	Start(ctx context.Context, provider *trace.Provider) error
	// Stop ceases observing. Spans already handed to the pipeline are
	// unaffected.
	Stop(ctx context.Context) error
}

// Registry holds registered hooks keyed by name. Enabling or disabling one
// hook never touches the others. Safe for concurrent use.
type Registry struct {
	provider *trace.Provider
	log      *zap.Logger

	mu      sync.Mutex
	hooks   map[string]Instrumentation
	enabled map[string]bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the operational log sink.
func WithLogger(log *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates a registry whose hooks emit through provider.
func NewRegistry(provider *trace.Provider, opts ...RegistryOption) *Registry {
	r := &Registry{
		provider: provider,
		log:      zap.NewNop(),
		hooks:    make(map[string]Instrumentation),
		enabled:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a hook under its name. Registering does not enable it.
// A second hook with the same name is rejected.
func (r *Registry) Register(inst Instrumentation) error {
	name := inst.Name()
	if name == "" {
		return errors.New("instrumentation name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[name]; ok {
		return fmt.Errorf("instrumentation %q already registered", name)
	}
	r.hooks[name] = inst
	return nil
}

// Enable starts the named hook. Unknown names error; enabling an enabled
// hook is a no-op. A hook whose Start fails stays disabled.
func (r *Registry) Enable(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.hooks[name]
	if !ok {
		return fmt.Errorf("unknown instrumentation %q, registered: %s", name, r.namesLocked())
	}
	if r.enabled[name] {
		return nil
	}
	if err := inst.Start(ctx, r.provider); err != nil {
		return fmt.Errorf("starting instrumentation %q: %w", name, err)
	}
	r.enabled[name] = true
	r.log.Info("instrumentation enabled", zap.String("name", name))
	return nil
}

// Disable stops the named hook. Unknown names error; disabling a disabled
// hook is a no-op.
func (r *Registry) Disable(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.hooks[name]
	if !ok {
		return fmt.Errorf("unknown instrumentation %q, registered: %s", name, r.namesLocked())
	}
	if !r.enabled[name] {
		return nil
	}
	delete(r.enabled, name)
	if err := inst.Stop(ctx); err != nil {
		return fmt.Errorf("stopping instrumentation %q: %w", name, err)
	}
	r.log.Info("instrumentation disabled", zap.String("name", name))
	return nil
}

// Enabled reports whether the named hook is currently observing.
func (r *Registry) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[name]
}

// Names returns the registered hook names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.hooks))
}

// StopAll disables every enabled hook. One hook's stop failure never blocks
// the others; failures are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(r.enabled)) {
		delete(r.enabled, name)
		if err := r.hooks[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping instrumentation %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) namesLocked() string {
	names := slices.Sorted(maps.Keys(r.hooks))
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
