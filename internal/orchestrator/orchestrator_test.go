package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/queue"
	"github.com/evalforge/evalforge/internal/recovery"
	"github.com/evalforge/evalforge/internal/registry"
	"github.com/evalforge/evalforge/pkg/events"
	"github.com/evalforge/evalforge/pkg/results"
)

// recordingAgent logs execution order and can fail a configurable number of
// times before succeeding.
type recordingAgent struct {
	capability agent.Capability
	execDelay  time.Duration
	failUntil  int
	failWith   error
	estimate   time.Duration

	mu    sync.Mutex
	calls int
	log   *executionLog
}

// executionLog is shared across agents to observe dispatch order.
type executionLog struct {
	mu    sync.Mutex
	order []agent.Type
}

func (l *executionLog) record(t agent.Type) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, t)
}

func (l *executionLog) snapshot() []agent.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]agent.Type(nil), l.order...)
}

func newRecordingAgent(log *executionLog, name string, deps ...agent.Type) *recordingAgent {
	return &recordingAgent{
		capability: agent.Capability{
			Name:         name,
			Version:      "1.0.0",
			Dependencies: deps,
		},
		log: log,
	}
}

func (a *recordingAgent) Capabilities() agent.Capability          { return a.capability }
func (a *recordingAgent) Initialize(ctx context.Context) error    { return nil }
func (a *recordingAgent) Cleanup(ctx context.Context) error       { return nil }
func (a *recordingAgent) CanHandle(req agent.AnalysisRequest) bool { return true }

func (a *recordingAgent) HealthCheck(ctx context.Context) (agent.Health, error) {
	return agent.Health{Status: agent.HealthStateHealthy}, nil
}

func (a *recordingAgent) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	a.mu.Lock()
	a.calls++
	calls := a.calls
	a.mu.Unlock()

	if a.execDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.execDelay):
		}
	}
	if calls <= a.failUntil {
		return nil, a.failWith
	}

	if a.log != nil {
		a.log.record(agent.Type(a.capability.Name))
	}
	return &agent.AnalysisResult{
		AgentType:  agent.Type(a.capability.Name),
		Score:      0.8,
		Confidence: 0.9,
		Insights:   []string{"looks viable"},
	}, nil
}

func (a *recordingAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *recordingAgent) EstimatedDuration() time.Duration {
	if a.estimate > 0 {
		return a.estimate
	}
	return time.Second
}

type fixture struct {
	registry *registry.Registry
	queue    *queue.Queue
	recovery *recovery.Handler
	store    *results.MemoryStore
	bus      *events.Bus
	orch     *Orchestrator
	log      *executionLog
}

func setup(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus(64)
	q := queue.New("test", queue.Options{Bus: bus})
	f := &fixture{
		registry: registry.New(bus),
		queue:    q,
		recovery: recovery.NewHandler(recovery.Options{Bus: bus}),
		store:    results.NewMemoryStore(),
		bus:      bus,
		log:      &executionLog{},
	}

	orch, err := New(f.registry, f.queue, f.recovery, f.store, f.bus)
	require.NoError(t, err)
	f.orch = orch

	t.Cleanup(func() {
		q.Close()
		bus.Close()
	})
	return f
}

func (f *fixture) register(t *testing.T, agents ...agent.Agent) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, f.registry.Register(context.Background(), a))
	}
}

func (f *fixture) waitTerminal(t *testing.T, workflowID string) WorkflowStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.orch.Status(workflowID)
		require.NoError(t, err)
		if st.Status != StateRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workflow did not reach a terminal state")
	return WorkflowStatus{}
}

func idea() agent.BusinessIdea {
	return agent.BusinessIdea{
		ID:          "idea-1",
		Title:       "meal-kit delivery",
		Description: "weekly subscription meal kits",
	}
}

func TestExecuteWorkflowCompletes(t *testing.T) {
	f := setup(t)
	ms := newRecordingAgent(f.log, "market_sizing")
	ca := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	ps := newRecordingAgent(f.log, "pricing_strategy", "market_sizing")
	wtp := newRecordingAgent(f.log, "willingness_to_pay", "competitive_analysis", "pricing_strategy")
	f.register(t, ms, ca, ps, wtp)

	completedCh := f.bus.Subscribe(events.WorkflowCompleted)

	jobID, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateCompleted, st.Status)
	assert.Equal(t, "eval-1", st.EvaluationID)
	assert.Equal(t, jobID, st.JobID)
	assert.False(t, st.CompletedAt.IsZero())

	// Dependencies always execute before their dependents.
	order := f.log.snapshot()
	require.Len(t, order, 4)
	index := make(map[agent.Type]int)
	for i, typ := range order {
		index[typ] = i
	}
	assert.Less(t, index["market_sizing"], index["competitive_analysis"])
	assert.Less(t, index["market_sizing"], index["pricing_strategy"])
	assert.Less(t, index["competitive_analysis"], index["willingness_to_pay"])
	assert.Less(t, index["pricing_strategy"], index["willingness_to_pay"])

	select {
	case ev := <-completedCh:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "wf-1", payload["workflowId"])
	case <-time.After(time.Second):
		t.Fatal("expected workflowCompleted event")
	}

	recs, err := f.store.FindByEvaluationID(context.Background(), "eval-1")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		assert.Equal(t, results.StatusCompleted, rec.Status)
		assert.Equal(t, 0.8, rec.Score)
	}
}

func TestExecuteWorkflowReturnsJobID(t *testing.T) {
	f := setup(t)
	f.register(t, newRecordingAgent(f.log, "market_sizing"))

	jobID, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	// The returned ID is the queue job, not the workflow.
	job, ok := f.queue.GetJob(jobID)
	require.True(t, ok)
	assert.Equal(t, WorkflowJobType, job.Type)

	st, err := f.orch.Status("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", st.WorkflowID)
	assert.Equal(t, jobID, st.JobID)

	// Reusing a live workflow ID is rejected.
	_, err = f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-2", idea(), Options{})
	assert.ErrorIs(t, err, ErrValidation)

	f.waitTerminal(t, "wf-1")
}

func TestExecuteWorkflowGeneratesWorkflowID(t *testing.T) {
	f := setup(t)
	f.register(t, newRecordingAgent(f.log, "market_sizing"))

	startedCh := f.bus.Subscribe(events.WorkflowStarted)

	jobID, err := f.orch.ExecuteWorkflow(context.Background(), "", "eval-1", idea(), Options{})
	require.NoError(t, err)

	select {
	case ev := <-startedCh:
		payload := ev.Payload.(map[string]any)
		workflowID, ok := payload["workflowId"].(string)
		require.True(t, ok)
		require.NotEmpty(t, workflowID)
		assert.Equal(t, jobID, payload["jobId"])

		st := f.waitTerminal(t, workflowID)
		assert.Equal(t, jobID, st.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected workflowStarted event")
	}
}

func TestWorkflowStartedEventPayload(t *testing.T) {
	f := setup(t)
	ms := newRecordingAgent(f.log, "market_sizing")
	ca := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	f.register(t, ms, ca)

	startedCh := f.bus.Subscribe(events.WorkflowStarted)

	jobID, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	select {
	case ev := <-startedCh:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "wf-1", payload["workflowId"])
		assert.Equal(t, "eval-1", payload["evaluationId"])
		assert.Equal(t, jobID, payload["jobId"])
		assert.ElementsMatch(t,
			[]agent.Type{"market_sizing", "competitive_analysis"},
			payload["agentTypes"])
		startedAt, ok := payload["startedAt"].(time.Time)
		require.True(t, ok)
		assert.False(t, startedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected workflowStarted event")
	}

	f.waitTerminal(t, "wf-1")
}

func TestExecuteWorkflowValidationFailsFast(t *testing.T) {
	f := setup(t)
	f.register(t, newRecordingAgent(f.log, "competitive_analysis", "market_sizing"))

	startedCh := f.bus.Subscribe(events.WorkflowStarted)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	// Nothing enqueued, nothing started.
	assert.Empty(t, f.orch.ActiveWorkflows())
	select {
	case <-startedCh:
		t.Fatal("no workflowStarted event expected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecuteWorkflowNoAgents(t *testing.T) {
	f := setup(t)
	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	assert.ErrorIs(t, err, ErrNoAgents)
}

func TestExecuteWorkflowSubset(t *testing.T) {
	f := setup(t)
	ms := newRecordingAgent(f.log, "market_sizing")
	ca := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	ps := newRecordingAgent(f.log, "pricing_strategy", "market_sizing")
	f.register(t, ms, ca, ps)

	// Requesting competitive_analysis pulls in market_sizing transitively
	// but not pricing_strategy.
	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{
		AgentTypes: []agent.Type{"competitive_analysis"},
	})
	require.NoError(t, err)

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateCompleted, st.Status)
	assert.ElementsMatch(t,
		[]agent.Type{"market_sizing", "competitive_analysis"}, f.log.snapshot())
	assert.Zero(t, ps.callCount())
}

func TestExecuteWorkflowRetriesTransientFailure(t *testing.T) {
	f := setup(t)
	f.recovery.AddPattern(recovery.Pattern{
		Name:      "transient",
		Match:     func(err error) bool { return err != nil && err.Error() == "transient glitch" },
		Category:  recovery.CategoryNetwork,
		Severity:  recovery.SeverityMedium,
		Retryable: true,
		RetryPolicy: &recovery.RetryPolicy{
			MaxRetries: 5,
			Strategy:   recovery.BackoffExponential,
			BaseDelay:  time.Millisecond,
			MaxDelay:   10 * time.Millisecond,
		},
	})

	flaky := newRecordingAgent(f.log, "market_sizing")
	flaky.failUntil = 2
	flaky.failWith = errors.New("transient glitch")
	f.register(t, flaky)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateCompleted, st.Status)
	assert.Equal(t, 3, flaky.callCount())

	recs, err := f.store.FindByEvaluationID(context.Background(), "eval-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, results.StatusCompleted, recs[0].Status)
}

func TestExecuteWorkflowNonRetryableFailure(t *testing.T) {
	f := setup(t)
	failing := newRecordingAgent(f.log, "market_sizing")
	failing.failUntil = 100
	failing.failWith = errors.New("unauthorized: invalid credential")
	downstream := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	f.register(t, failing, downstream)

	failedCh := f.bus.Subscribe(events.WorkflowFailed)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateFailed, st.Status)
	assert.Contains(t, st.Error, "market_sizing")

	// Authentication errors never retry, and the dependent level never ran.
	assert.Equal(t, 1, failing.callCount())
	assert.Zero(t, downstream.callCount())

	select {
	case ev := <-failedCh:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "wf-1", payload["workflowId"])
	case <-time.After(time.Second):
		t.Fatal("expected workflowFailed event")
	}

	recs, err := f.store.FindByEvaluationID(context.Background(), "eval-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, results.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "unauthorized")
}

func TestCancelStopsSubsequentLevels(t *testing.T) {
	f := setup(t)
	slow := newRecordingAgent(f.log, "market_sizing")
	slow.execDelay = 200 * time.Millisecond
	downstream := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	f.register(t, slow, downstream)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	// Cancel while the first level is still in flight.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.orch.Cancel("wf-1"))

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateCancelled, st.Status)

	// The in-flight agent drains, but the dependent level never starts.
	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, downstream.callCount())

	// Cancelling a terminal workflow is a no-op.
	assert.False(t, f.orch.Cancel("wf-1"))
	assert.False(t, f.orch.Cancel("ghost"))
}

func TestCancelTransitionsStatusImmediately(t *testing.T) {
	f := setup(t)
	slow := newRecordingAgent(f.log, "market_sizing")
	slow.execDelay = 600 * time.Millisecond
	f.register(t, slow)

	failedCh := f.bus.Subscribe(events.WorkflowFailed)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.True(t, f.orch.Cancel("wf-1"))

	// The status flips to cancelled before the in-flight agent finishes.
	st, err := f.orch.Status("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.Status)
	assert.False(t, st.CompletedAt.IsZero())

	select {
	case ev := <-failedCh:
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "wf-1", payload["workflowId"])
		assert.Equal(t, string(StateCancelled), payload["status"])
	case <-time.After(time.Second):
		t.Fatal("expected workflowFailed event")
	}

	// The draining handler must not overwrite the state or publish again.
	time.Sleep(700 * time.Millisecond)
	st, err = f.orch.Status("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.Status)

	select {
	case ev := <-failedCh:
		t.Fatalf("unexpected second terminal event: %v", ev.Payload)
	default:
	}

	stats := f.orch.Statistics()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Zero(t, stats.Failed)
}

func TestWorkflowTimeout(t *testing.T) {
	f := setup(t)
	slow := newRecordingAgent(f.log, "market_sizing")
	slow.execDelay = time.Second
	f.register(t, slow)

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	st := f.waitTerminal(t, "wf-1")
	assert.Equal(t, StateFailed, st.Status)
	assert.Contains(t, st.Error, "context deadline exceeded")
}

func TestActiveWorkflowsAndStatistics(t *testing.T) {
	f := setup(t)
	f.register(t, newRecordingAgent(f.log, "market_sizing"))

	_, err := f.orch.ExecuteWorkflow(context.Background(), "wf-1", "eval-1", idea(), Options{})
	require.NoError(t, err)
	f.waitTerminal(t, "wf-1")

	assert.Empty(t, f.orch.ActiveWorkflows())

	stats := f.orch.Statistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Running)
}

func TestStatusUnknownWorkflow(t *testing.T) {
	f := setup(t)
	_, err := f.orch.Status("ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCriticalPathAndOptimize(t *testing.T) {
	f := setup(t)
	ms := newRecordingAgent(f.log, "market_sizing")
	ms.estimate = 3 * time.Second
	ca := newRecordingAgent(f.log, "competitive_analysis", "market_sizing")
	ca.estimate = 5 * time.Second
	ps := newRecordingAgent(f.log, "pricing_strategy", "market_sizing")
	ps.estimate = time.Second
	f.register(t, ms, ca, ps)

	path, total, err := f.orch.CriticalPath(nil)
	require.NoError(t, err)
	assert.Equal(t, []agent.Type{"market_sizing", "competitive_analysis"}, path)
	assert.Equal(t, 8*time.Second, total)

	levels, err := f.orch.OptimizeExecution(nil)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, []agent.Type{"market_sizing"}, levels[0])
	// The expensive agent leads its level.
	assert.Equal(t, []agent.Type{"competitive_analysis", "pricing_strategy"}, levels[1])
}
