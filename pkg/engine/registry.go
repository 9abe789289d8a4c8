package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/openfroyo/clusterforge/pkg/models"
)

// Factory describes one engine implementation.
type Factory struct {
	// Name is the value stored in Provisioner.engine.
	Name string

	// VerboseName is shown to users.
	VerboseName string

	// Schema is a CUE definition the provisioner parameters must satisfy.
	// Empty means any parameters are accepted.
	Schema string

	// New builds an engine for cluster.
	New func(cluster *models.Cluster, params map[string]any, deps Deps) (Engine, error)

	// Status probes the backend with params, independent of any cluster.
	Status func(ctx context.Context, params map[string]any, deps Deps) models.ProvisionerState
}

// Registry maps engine names to factories and compiles their schemas.
type Registry struct {
	mu        sync.RWMutex
	cue       *cue.Context
	factories map[string]Factory
	schemas   map[string]cue.Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cue:       cuecontext.New(),
		factories: make(map[string]Factory),
		schemas:   make(map[string]cue.Value),
	}
}

// Register adds f. Registering the same name twice fails.
func (r *Registry) Register(f Factory) error {
	if f.Name == "" || f.New == nil {
		return fmt.Errorf("engine factory needs a name and a constructor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[f.Name]; exists {
		return fmt.Errorf("engine %s already registered", f.Name)
	}

	if f.Schema != "" {
		val := r.cue.CompileString(f.Schema)
		if err := val.Err(); err != nil {
			return fmt.Errorf("failed to compile schema for engine %s: %w", f.Name, err)
		}
		r.schemas[f.Name] = val
	}

	r.factories[f.Name] = f
	return nil
}

// MustRegister is Register that panics, for package init wiring.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Get returns the factory for name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	return f, nil
}

// List returns every registered factory ordered by name.
func (r *Registry) List() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Factory, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// New builds the engine name for cluster.
func (r *Registry) New(name string, cluster *models.Cluster, params map[string]any, deps Deps) (Engine, error) {
	f, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return f.New(cluster, params, deps)
}

// Status probes the backend of engine name.
func (r *Registry) Status(ctx context.Context, name string, params map[string]any, deps Deps) (models.ProvisionerState, error) {
	f, err := r.Get(name)
	if err != nil {
		return models.ProvisionerStateError, err
	}
	if f.Status == nil {
		return models.ProvisionerStateOK, nil
	}
	return f.Status(ctx, params, deps), nil
}

// ValidateParameters checks params against the engine schema.
func (r *Registry) ValidateParameters(name string, params map[string]any) error {
	if !r.Has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}

	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Stored parameters decode numbers as float64. Going through JSON lets
	// CUE see 3 as an int again.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	data := r.cue.CompileBytes(raw)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &models.ValidationError{Kind: models.KindProvisioner, Field: "parameters", Reason: err.Error()}
	}
	return nil
}
