// Package orchestrator coordinates multi-agent evaluation workflows: it
// validates the agent set, enqueues a workflow job and drives execution
// level by level through the dependency graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/graph"
	"github.com/evalforge/evalforge/internal/queue"
	"github.com/evalforge/evalforge/internal/recovery"
	"github.com/evalforge/evalforge/internal/registry"
	"github.com/evalforge/evalforge/pkg/events"
	"github.com/evalforge/evalforge/pkg/observability"
	"github.com/evalforge/evalforge/pkg/results"
)

// WorkflowJobType is the queue job type carrying workflow executions.
const WorkflowJobType = "workflow"

var (
	// ErrWorkflowNotFound is returned for unknown workflow IDs.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNoAgents is returned when a workflow resolves to an empty agent set.
	ErrNoAgents = errors.New("no agents to execute")

	// ErrValidation is returned when the agent set fails dependency
	// validation. No job is enqueued.
	ErrValidation = errors.New("dependency validation failed")

	// errCancelled aborts level dispatch after a cooperative cancel.
	errCancelled = errors.New("workflow cancelled")
)

// State is the lifecycle state of a workflow.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// WorkflowStatus is the externally visible record of one workflow.
type WorkflowStatus struct {
	WorkflowID   string
	EvaluationID string
	JobID        string
	AgentTypes   []agent.Type
	Status       State
	StartedAt    time.Time
	CompletedAt  time.Time
	Error        string
}

// Options customizes one ExecuteWorkflow call.
type Options struct {
	// AgentTypes selects the agents to run. Empty means all registered.
	AgentTypes []agent.Type

	// Priority orders the workflow job against others in the queue.
	Priority int

	// Timeout bounds the whole workflow execution (0 = no limit).
	Timeout time.Duration

	// Context is passed through to every agent's AnalysisRequest.
	Context map[string]any
}

// payload is the queued description of one workflow. Everything the handler
// needs is resolved up front so a job survives a registry change in between.
type payload struct {
	EvaluationID   string
	WorkflowID     string
	AgentTypes     []agent.Type
	ParallelGroups [][]agent.Type
	Dependencies   map[agent.Type][]agent.Type
	Priority       int
	Timeout        time.Duration
	BusinessIdea   agent.BusinessIdea
	Context        map[string]any
}

// Orchestrator executes evaluation workflows over registered agents. All
// collaborators are constructor-injected.
type Orchestrator struct {
	registry *registry.Registry
	queue    *queue.Queue
	recovery *recovery.Handler
	store    results.Store
	bus      *events.Bus

	mu        sync.Mutex
	workflows map[string]*WorkflowStatus
	cancels   map[string]chan struct{}
	durations []time.Duration
}

// New creates an orchestrator and registers its workflow handler on the
// queue. The bus and store are optional.
func New(reg *registry.Registry, q *queue.Queue, rec *recovery.Handler, store results.Store, bus *events.Bus) (*Orchestrator, error) {
	o := &Orchestrator{
		registry:  reg,
		queue:     q,
		recovery:  rec,
		store:     store,
		bus:       bus,
		workflows: make(map[string]*WorkflowStatus),
		cancels:   make(map[string]chan struct{}),
	}
	if err := q.Process(WorkflowJobType, o.handleWorkflowJob); err != nil {
		return nil, fmt.Errorf("register workflow handler: %w", err)
	}
	return o, nil
}

// ExecuteWorkflow validates the agent set, enqueues one workflow job under
// the caller's workflow ID and returns the job ID. An empty workflow ID gets
// a generated one, reachable via ActiveWorkflows or the workflowStarted
// event. Validation failures are returned immediately; nothing is enqueued.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID, evaluationID string, idea agent.BusinessIdea, opts Options) (string, error) {
	types := opts.AgentTypes
	if len(types) == 0 {
		types = o.registry.All()
	}
	if len(types) == 0 {
		return "", ErrNoAgents
	}

	for _, t := range types {
		if _, err := o.registry.Get(t); err != nil {
			return "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	specs, err := o.specsFor(types)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	g, err := graph.Build(specs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	p := payload{
		EvaluationID:   evaluationID,
		WorkflowID:     workflowID,
		AgentTypes:     g.ExecutionOrder(),
		ParallelGroups: g.Levels,
		Dependencies:   specs,
		Priority:       opts.Priority,
		Timeout:        opts.Timeout,
		BusinessIdea:   idea,
		Context:        opts.Context,
	}

	// The status record exists before the job so the handler always finds it.
	status := &WorkflowStatus{
		WorkflowID:   workflowID,
		EvaluationID: evaluationID,
		AgentTypes:   p.AgentTypes,
		Status:       StateRunning,
		StartedAt:    time.Now(),
	}
	o.mu.Lock()
	if _, exists := o.workflows[workflowID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: workflow %s already exists", ErrValidation, workflowID)
	}
	o.workflows[workflowID] = status
	o.cancels[workflowID] = make(chan struct{})
	o.mu.Unlock()

	job, err := o.queue.Add(WorkflowJobType, p,
		queue.WithPriority(opts.Priority),
		queue.WithAttempts(1))
	if err != nil {
		o.mu.Lock()
		delete(o.workflows, workflowID)
		delete(o.cancels, workflowID)
		o.mu.Unlock()
		return "", fmt.Errorf("enqueue workflow: %w", err)
	}

	o.mu.Lock()
	status.JobID = job.ID
	o.mu.Unlock()

	log.Printf("orchestrator: workflow %s started for evaluation %s (%d agents)",
		workflowID, evaluationID, len(p.AgentTypes))
	o.publish(events.WorkflowStarted, map[string]any{
		"workflowId":   workflowID,
		"evaluationId": evaluationID,
		"jobId":        job.ID,
		"agentTypes":   p.AgentTypes,
		"startedAt":    status.StartedAt,
	})
	return job.ID, nil
}

// specsFor snapshots dependency declarations for the transitive closure of
// the requested types.
func (o *Orchestrator) specsFor(types []agent.Type) (map[agent.Type][]agent.Type, error) {
	specs := make(map[agent.Type][]agent.Type)
	pending := append([]agent.Type(nil), types...)
	for len(pending) > 0 {
		t := pending[0]
		pending = pending[1:]
		if _, done := specs[t]; done {
			continue
		}
		meta, err := o.registry.GetMetadata(t)
		if err != nil {
			return nil, err
		}
		deps := append([]agent.Type(nil), meta.Capability.Dependencies...)
		specs[t] = deps
		pending = append(pending, deps...)
	}
	return specs, nil
}

// Status returns a copy of the workflow record.
func (o *Orchestrator) Status(workflowID string) (WorkflowStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.workflows[workflowID]
	if !ok {
		return WorkflowStatus{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return *st, nil
}

// Cancel marks the workflow cancelled immediately and stops cooperative
// dispatch: no further dependency level starts, but in-flight agents run to
// completion. Returns false if the workflow is unknown or already terminal.
func (o *Orchestrator) Cancel(workflowID string) bool {
	o.mu.Lock()
	st, ok := o.workflows[workflowID]
	if !ok || st.Status != StateRunning {
		o.mu.Unlock()
		return false
	}
	if ch, ok := o.cancels[workflowID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	o.finishLocked(workflowID, StateCancelled, errCancelled)
	o.mu.Unlock()

	observability.RecordWorkflow(string(StateCancelled))
	o.publish(events.WorkflowFailed, map[string]any{
		"workflowId": workflowID,
		"status":     string(StateCancelled),
		"error":      errCancelled.Error(),
	})
	return true
}

// ActiveWorkflows returns the IDs of all running workflows, sorted.
func (o *Orchestrator) ActiveWorkflows() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for id, st := range o.workflows {
		if st.Status == StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OptimizeExecution returns dependency levels for the given agent set with
// the most expensive agents front-loaded within each level.
func (o *Orchestrator) OptimizeExecution(types []agent.Type) ([][]agent.Type, error) {
	g, err := o.buildGraph(types)
	if err != nil {
		return nil, err
	}
	return graph.OptimizeOrder(g, o.estimates(g)).Levels, nil
}

// CriticalPath returns the longest weighted dependency chain for the given
// agent set and its total estimated duration.
func (o *Orchestrator) CriticalPath(types []agent.Type) ([]agent.Type, time.Duration, error) {
	g, err := o.buildGraph(types)
	if err != nil {
		return nil, 0, err
	}
	path, total := graph.CriticalPath(g, o.estimates(g))
	return path, total, nil
}

func (o *Orchestrator) buildGraph(types []agent.Type) (*graph.Graph, error) {
	if len(types) == 0 {
		types = o.registry.All()
	}
	specs, err := o.specsFor(types)
	if err != nil {
		return nil, err
	}
	return graph.Build(specs)
}

// estimates collects duration estimates from agents that provide one.
func (o *Orchestrator) estimates(g *graph.Graph) map[agent.Type]time.Duration {
	out := make(map[agent.Type]time.Duration)
	for _, t := range g.Nodes {
		a, err := o.registry.Get(t)
		if err != nil {
			continue
		}
		if est, ok := a.(agent.EstimatedDuration); ok {
			out[t] = est.EstimatedDuration()
		}
	}
	return out
}

// Statistics summarizes orchestrator activity.
type Statistics struct {
	Total       int
	Running     int
	Completed   int
	Failed      int
	Cancelled   int
	AvgDuration time.Duration
}

// Statistics returns a snapshot of workflow counts and average duration of
// finished workflows.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Statistics{Total: len(o.workflows)}
	for _, st := range o.workflows {
		switch st.Status {
		case StateRunning:
			s.Running++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
	}
	if len(o.durations) > 0 {
		var total time.Duration
		for _, d := range o.durations {
			total += d
		}
		s.AvgDuration = total / time.Duration(len(o.durations))
	}
	return s
}

func (o *Orchestrator) finish(workflowID string, state State, execErr error) {
	o.mu.Lock()
	done := o.finishLocked(workflowID, state, execErr)
	o.mu.Unlock()
	if !done {
		// Cancel already recorded the terminal state and published.
		return
	}

	observability.RecordWorkflow(string(state))
	switch state {
	case StateCompleted:
		o.publish(events.WorkflowCompleted, map[string]any{"workflowId": workflowID})
	case StateFailed, StateCancelled:
		detail := map[string]any{"workflowId": workflowID, "status": string(state)}
		if execErr != nil {
			detail["error"] = execErr.Error()
		}
		o.publish(events.WorkflowFailed, detail)
	}
}

// finishLocked records the terminal transition under o.mu. Returns false when
// the workflow is unknown or already terminal.
func (o *Orchestrator) finishLocked(workflowID string, state State, execErr error) bool {
	delete(o.cancels, workflowID)
	st, ok := o.workflows[workflowID]
	if !ok || st.Status != StateRunning {
		return false
	}
	st.Status = state
	st.CompletedAt = time.Now()
	if execErr != nil {
		st.Error = execErr.Error()
	}
	o.durations = append(o.durations, st.CompletedAt.Sub(st.StartedAt))
	if len(o.durations) > 1000 {
		o.durations = o.durations[len(o.durations)-1000:]
	}
	return true
}

func (o *Orchestrator) cancelled(workflowID string) bool {
	o.mu.Lock()
	ch, ok := o.cancels[workflowID]
	o.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) publish(name string, p any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(name, p)
}
