package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/pkg/events"
)

// stubAgent is a configurable agent for registry tests.
type stubAgent struct {
	capability  agent.Capability
	initErr     error
	cleanupErr  error
	health      agent.Health
	healthErr   error
	initialized bool
	cleaned     bool
}

func newStubAgent(name string, deps ...agent.Type) *stubAgent {
	return &stubAgent{
		capability: agent.Capability{
			Name:         name,
			Version:      "1.0.0",
			Dependencies: deps,
			Provides:     []string{name + "_report"},
		},
		health: agent.Health{Status: agent.HealthStateHealthy},
	}
}

func (s *stubAgent) Capabilities() agent.Capability { return s.capability }

func (s *stubAgent) Initialize(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = true
	return nil
}

func (s *stubAgent) Cleanup(ctx context.Context) error {
	s.cleaned = true
	return s.cleanupErr
}

func (s *stubAgent) HealthCheck(ctx context.Context) (agent.Health, error) {
	return s.health, s.healthErr
}

func (s *stubAgent) CanHandle(req agent.AnalysisRequest) bool {
	return req.AnalysisType == agent.Type(s.capability.Name)
}

func (s *stubAgent) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	return &agent.AnalysisResult{AgentType: agent.Type(s.capability.Name), Score: 0.5}, nil
}

func TestRegisterAndGet(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	ch := bus.Subscribe(events.AgentRegistered)

	r := New(bus)
	a := newStubAgent("market_sizing")

	require.NoError(t, r.Register(context.Background(), a))
	assert.True(t, a.initialized)

	got, err := r.Get(agent.TypeMarketSizing)
	require.NoError(t, err)
	assert.Same(t, agent.Agent(a), got)

	meta, err := r.GetMetadata(agent.TypeMarketSizing)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, meta.Status)
	assert.Equal(t, "1.0.0", meta.Capability.Version)
	assert.False(t, meta.RegisteredAt.IsZero())

	select {
	case ev := <-ch:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, agent.TypeMarketSizing, payload["agentType"])
	case <-time.After(time.Second):
		t.Fatal("expected agentRegistered event")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("market_sizing")))

	err := r.Register(context.Background(), newStubAgent("market_sizing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAgent)
	assert.Len(t, r.All(), 1)
}

func TestRegisterInitializeFailure(t *testing.T) {
	r := New(nil)
	a := newStubAgent("market_sizing")
	a.initErr = errors.New("no api key")

	err := r.Register(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api key")
	assert.Empty(t, r.All())
}

func TestRegisterEmptyName(t *testing.T) {
	r := New(nil)
	err := r.Register(context.Background(), newStubAgent(""))
	require.Error(t, err)
}

func TestUnregister(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	ch := bus.Subscribe(events.AgentUnregistered)

	r := New(bus)
	a := newStubAgent("market_sizing")
	require.NoError(t, r.Register(context.Background(), a))

	assert.True(t, r.Unregister(context.Background(), agent.TypeMarketSizing))
	assert.True(t, a.cleaned)
	assert.Empty(t, r.All())

	_, err := r.Get(agent.TypeMarketSizing)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	// Unknown types are a no-op.
	assert.False(t, r.Unregister(context.Background(), agent.Type("ghost")))

	select {
	case ev := <-ch:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, agent.TypeMarketSizing, payload["agentType"])
	case <-time.After(time.Second):
		t.Fatal("expected agentUnregistered event")
	}
}

func TestAllAndActiveSorted(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("pricing_strategy")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("competitive_analysis")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("market_sizing")))

	want := []agent.Type{"competitive_analysis", "market_sizing", "pricing_strategy"}
	assert.Equal(t, want, r.All())
	assert.Equal(t, want, r.Active())
}

func TestFindByCapability(t *testing.T) {
	r := New(nil)
	ms := newStubAgent("market_sizing")
	ms.capability.Provides = []string{"tam_estimate", "market_report"}
	ca := newStubAgent("competitive_analysis")
	ca.capability.Provides = []string{"competitor_list", "market_report"}

	require.NoError(t, r.Register(context.Background(), ms))
	require.NoError(t, r.Register(context.Background(), ca))

	assert.Equal(t, []agent.Type{"market_sizing"}, r.FindByCapability("tam_estimate"))
	assert.Equal(t,
		[]agent.Type{"competitive_analysis", "market_sizing"},
		r.FindByCapability("market_report"))
	assert.Empty(t, r.FindByCapability("nonexistent"))
}

func TestValidateDependenciesValid(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("market_sizing")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("competitive_analysis", "market_sizing")))

	v := r.ValidateDependencies()
	assert.True(t, v.Valid)
	assert.Empty(t, v.Issues)
}

func TestValidateDependenciesUnregistered(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("competitive_analysis", "market_sizing")))

	v := r.ValidateDependencies()
	assert.False(t, v.Valid)
	require.Len(t, v.Issues, 1)
	assert.Contains(t, v.Issues[0], "unregistered agent market_sizing")
}

func TestValidateDependenciesCycle(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("a", "b")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("b", "a")))

	v := r.ValidateDependencies()
	assert.False(t, v.Valid)
	require.Len(t, v.Issues, 1)
	assert.Contains(t, v.Issues[0], "circular dependency")
	assert.True(t,
		strings.Contains(v.Issues[0], "a") && strings.Contains(v.Issues[0], "b"))
}

func TestExecutionOrder(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("market_sizing")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("competitive_analysis", "market_sizing")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("pricing_strategy", "market_sizing")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("willingness_to_pay", "competitive_analysis", "pricing_strategy")))

	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	index := make(map[agent.Type]int, len(order))
	for i, typ := range order {
		index[typ] = i
	}
	assert.Less(t, index["market_sizing"], index["competitive_analysis"])
	assert.Less(t, index["market_sizing"], index["pricing_strategy"])
	assert.Less(t, index["competitive_analysis"], index["willingness_to_pay"])
	assert.Less(t, index["pricing_strategy"], index["willingness_to_pay"])
}

func TestParallelGroups(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("a")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("b", "a")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("c", "a")))

	groups, err := r.ParallelGroups()
	require.NoError(t, err)
	assert.Equal(t, [][]agent.Type{{"a"}, {"b", "c"}}, groups)
}

func TestCanExecute(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStubAgent("market_sizing")))
	require.NoError(t, r.Register(context.Background(), newStubAgent("competitive_analysis", "market_sizing")))

	completed := map[agent.Type]bool{}
	assert.True(t, r.CanExecute("market_sizing", completed))
	assert.False(t, r.CanExecute("competitive_analysis", completed))

	completed["market_sizing"] = true
	assert.True(t, r.CanExecute("competitive_analysis", completed))

	assert.False(t, r.CanExecute("ghost", completed))
}

func TestPerformHealthCheck(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	ch := bus.Subscribe(events.HealthCheckComplete)

	r := New(bus)
	healthy := newStubAgent("market_sizing")
	degraded := newStubAgent("competitive_analysis")
	degraded.health = agent.Health{Status: agent.HealthStateDegraded, Message: "slow upstream"}
	failing := newStubAgent("pricing_strategy")
	failing.healthErr = errors.New("connection refused")

	require.NoError(t, r.Register(context.Background(), healthy))
	require.NoError(t, r.Register(context.Background(), degraded))
	require.NoError(t, r.Register(context.Background(), failing))

	results := r.PerformHealthCheck(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, agent.HealthStateHealthy, results["market_sizing"].Status)
	assert.Equal(t, agent.HealthStateDegraded, results["competitive_analysis"].Status)
	assert.Equal(t, agent.HealthStateUnhealthy, results["pricing_strategy"].Status)
	assert.Contains(t, results["pricing_strategy"].Message, "connection refused")

	// Degraded agents stay active, failed checks flip to error.
	meta, err := r.GetMetadata("competitive_analysis")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, meta.Status)

	meta, err = r.GetMetadata("pricing_strategy")
	require.NoError(t, err)
	assert.Equal(t, StatusError, meta.Status)

	select {
	case ev := <-ch:
		payload := ev.Payload.(map[agent.Type]agent.Health)
		assert.Len(t, payload, 3)
	case <-time.After(time.Second):
		t.Fatal("expected healthCheckCompleted event")
	}
}
