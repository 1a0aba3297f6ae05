// Package registry tracks registered agents, their capability contracts and
// the dependency graph derived from them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/graph"
	"github.com/evalforge/evalforge/pkg/events"
)

var (
	// ErrDuplicateAgent is returned when an agent type is registered twice.
	ErrDuplicateAgent = errors.New("agent type already registered")

	// ErrAgentNotFound is returned when an agent type is not registered.
	ErrAgentNotFound = errors.New("agent not found")
)

// Status is the registry's view of an agent's availability.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Registration is the registry's record for one agent. Owned exclusively by
// the registry; accessors return copies.
type Registration struct {
	Type           agent.Type
	Capability     agent.Capability
	RegisteredAt   time.Time
	LastActivityAt time.Time
	Status         Status
	Health         agent.Health
}

// Validation is the result of checking all declared dependencies.
type Validation struct {
	Valid  bool
	Issues []string
}

// Registry is the process-wide agent directory. It is constructor-injected
// into the orchestrator and health monitor rather than being a package
// singleton.
type Registry struct {
	mu     sync.RWMutex
	agents map[agent.Type]agent.Agent
	meta   map[agent.Type]*Registration
	bus    *events.Bus
}

// New creates an empty registry. The bus is optional.
func New(bus *events.Bus) *Registry {
	return &Registry{
		agents: make(map[agent.Type]agent.Agent),
		meta:   make(map[agent.Type]*Registration),
		bus:    bus,
	}
}

// Register initializes and records an agent. The agent type is taken from
// Capabilities().Name. Registration fails on a duplicate type or when the
// agent's Initialize returns an error.
func (r *Registry) Register(ctx context.Context, a agent.Agent) error {
	capability := a.Capabilities()
	t := agent.Type(capability.Name)
	if t == "" {
		return errors.New("agent capability name is empty")
	}

	r.mu.Lock()
	if _, exists := r.agents[t]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, t)
	}
	r.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent %s: %w", t, err)
	}

	now := time.Now()
	reg := &Registration{
		Type:           t,
		Capability:     capability,
		RegisteredAt:   now,
		LastActivityAt: now,
		Status:         StatusActive,
	}

	r.mu.Lock()
	if _, exists := r.agents[t]; exists {
		r.mu.Unlock()
		// Lost a registration race; undo our initialization.
		if cerr := a.Cleanup(ctx); cerr != nil {
			log.Printf("registry: cleanup after duplicate registration of %s: %v", t, cerr)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, t)
	}
	r.agents[t] = a
	r.meta[t] = reg
	r.mu.Unlock()

	log.Printf("registry: registered agent %s (version %s)", t, capability.Version)
	r.publish(events.AgentRegistered, map[string]any{
		"agentType":  t,
		"capability": capability,
	})
	return nil
}

// Unregister removes an agent and releases its resources. Returns false if
// the type was not registered.
func (r *Registry) Unregister(ctx context.Context, t agent.Type) bool {
	r.mu.Lock()
	a, exists := r.agents[t]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, t)
	delete(r.meta, t)
	r.mu.Unlock()

	if err := a.Cleanup(ctx); err != nil {
		log.Printf("registry: cleanup of %s: %v", t, err)
	}

	log.Printf("registry: unregistered agent %s", t)
	r.publish(events.AgentUnregistered, map[string]any{"agentType": t})
	return true
}

// Get returns the registered agent for a type.
func (r *Registry) Get(t agent.Type) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, t)
	}
	return a, nil
}

// GetMetadata returns a copy of the registration record for a type.
func (r *Registry) GetMetadata(t agent.Type) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.meta[t]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrAgentNotFound, t)
	}
	return *reg, nil
}

// All returns the types of every registered agent, sorted.
func (r *Registry) All() []agent.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]agent.Type, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Active returns the types of agents currently in StatusActive, sorted.
func (r *Registry) Active() []agent.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []agent.Type
	for t, reg := range r.meta {
		if reg.Status == StatusActive {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// FindByCapability returns the agent types whose Provides list contains the
// named capability.
func (r *Registry) FindByCapability(name string) []agent.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []agent.Type
	for t, reg := range r.meta {
		for _, p := range reg.Capability.Provides {
			if p == name {
				types = append(types, t)
				break
			}
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// specs snapshots the declared dependencies of all registered agents.
func (r *Registry) specs() map[agent.Type][]agent.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[agent.Type][]agent.Type, len(r.meta))
	for t, reg := range r.meta {
		deps := make([]agent.Type, len(reg.Capability.Dependencies))
		copy(deps, reg.Capability.Dependencies)
		out[t] = deps
	}
	return out
}

// ValidateDependencies reports every dependency problem across the
// registered agent set: references to unregistered types and circular
// dependencies (naming a cycle participant).
func (r *Registry) ValidateDependencies() Validation {
	specs := r.specs()

	var issues []string
	for t, deps := range specs {
		for _, d := range deps {
			if _, ok := specs[d]; !ok {
				issues = append(issues, fmt.Sprintf(
					"agent %s depends on unregistered agent %s", t, d))
			}
		}
	}

	// Cycle detection on the known subset: strip unknown references first
	// so Build reports cycles rather than stopping at a missing node.
	known := make(map[agent.Type][]agent.Type, len(specs))
	for t, deps := range specs {
		var kept []agent.Type
		for _, d := range deps {
			if _, ok := specs[d]; ok {
				kept = append(kept, d)
			}
		}
		known[t] = kept
	}
	if _, err := graph.Build(known); err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			issues = append(issues, fmt.Sprintf("circular dependency: %s", cycleErr.Error()))
		} else {
			issues = append(issues, err.Error())
		}
	}

	sort.Strings(issues)
	return Validation{Valid: len(issues) == 0, Issues: issues}
}

// DependencyGraph builds the dependency graph over all registered agents.
func (r *Registry) DependencyGraph() (*graph.Graph, error) {
	return graph.Build(r.specs())
}

// ExecutionOrder returns a topological order over all registered agents.
// Every agent appears after all of its dependencies.
func (r *Registry) ExecutionOrder() ([]agent.Type, error) {
	g, err := r.DependencyGraph()
	if err != nil {
		return nil, err
	}
	return g.ExecutionOrder(), nil
}

// ParallelGroups returns agents grouped by dependency level; all agents in
// a group can execute concurrently.
func (r *Registry) ParallelGroups() ([][]agent.Type, error) {
	g, err := r.DependencyGraph()
	if err != nil {
		return nil, err
	}
	return g.Levels, nil
}

// CanExecute reports whether all of an agent's declared dependencies are in
// the completed set.
func (r *Registry) CanExecute(t agent.Type, completed map[agent.Type]bool) bool {
	r.mu.RLock()
	reg, ok := r.meta[t]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	for _, d := range reg.Capability.Dependencies {
		if !completed[d] {
			return false
		}
	}
	return true
}

// PerformHealthCheck runs every registered agent's HealthCheck and updates
// its registration status: healthy or degraded agents stay active,
// unhealthy agents and failed checks are marked error.
func (r *Registry) PerformHealthCheck(ctx context.Context) map[agent.Type]agent.Health {
	r.mu.RLock()
	agents := make(map[agent.Type]agent.Agent, len(r.agents))
	for t, a := range r.agents {
		agents[t] = a
	}
	r.mu.RUnlock()

	results := make(map[agent.Type]agent.Health, len(agents))
	for t, a := range agents {
		health, err := a.HealthCheck(ctx)
		if err != nil {
			health = agent.Health{
				Status:    agent.HealthStateUnhealthy,
				Message:   err.Error(),
				CheckedAt: time.Now(),
			}
		}
		if health.CheckedAt.IsZero() {
			health.CheckedAt = time.Now()
		}
		results[t] = health

		r.mu.Lock()
		if reg, ok := r.meta[t]; ok {
			reg.Health = health
			reg.LastActivityAt = time.Now()
			switch health.Status {
			case agent.HealthStateHealthy, agent.HealthStateDegraded:
				reg.Status = StatusActive
			default:
				reg.Status = StatusError
			}
		}
		r.mu.Unlock()
	}

	r.publish(events.HealthCheckComplete, results)
	return results
}

func (r *Registry) publish(name string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(name, payload)
}
