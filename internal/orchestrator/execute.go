package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/queue"
	"github.com/evalforge/evalforge/internal/recovery"
	"github.com/evalforge/evalforge/pkg/observability"
	"github.com/evalforge/evalforge/pkg/results"
)

// handleWorkflowJob is the queue handler driving one workflow execution.
// The job's terminal state maps onto the workflow's terminal state.
func (o *Orchestrator) handleWorkflowJob(ctx context.Context, job *queue.Job) error {
	p, ok := job.Payload.(payload)
	if !ok {
		err := fmt.Errorf("unexpected workflow payload type %T", job.Payload)
		return err
	}

	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		attribute.String("workflow.id", p.WorkflowID),
		attribute.String("evaluation.id", p.EvaluationID))
	defer span.End()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	err := o.runLevels(ctx, p)
	switch {
	case err == nil:
		o.finish(p.WorkflowID, StateCompleted, nil)
	case errors.Is(err, errCancelled):
		log.Printf("orchestrator: workflow %s cancelled", p.WorkflowID)
		o.finish(p.WorkflowID, StateCancelled, err)
	default:
		log.Printf("orchestrator: workflow %s failed: %v", p.WorkflowID, err)
		o.finish(p.WorkflowID, StateFailed, err)
	}
	return err
}

// runLevels dispatches the parallel groups in order. Agents inside one group
// run concurrently; the next group starts only after every agent in the
// current one completed. A cancel request takes effect between levels.
func (o *Orchestrator) runLevels(ctx context.Context, p payload) error {
	completed := make(map[agent.Type]*agent.AnalysisResult, len(p.AgentTypes))

	for _, level := range p.ParallelGroups {
		if o.cancelled(p.WorkflowID) {
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		upstream := snapshotResults(completed)

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range level {
			t := t
			g.Go(func() error {
				res, err := o.executeAgent(gctx, p, t, upstream)
				if err != nil {
					return fmt.Errorf("agent %s: %w", t, err)
				}
				mu.Lock()
				completed[t] = res
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// snapshotResults exposes upstream scores to downstream agents through the
// request context.
func snapshotResults(completed map[agent.Type]*agent.AnalysisResult) map[string]any {
	if len(completed) == 0 {
		return nil
	}
	out := make(map[string]any, len(completed))
	for t, res := range completed {
		out[string(t)] = map[string]any{
			"score":      res.Score,
			"confidence": res.Confidence,
			"insights":   res.Insights,
		}
	}
	return out
}

// executeAgent runs one agent with retry, backoff and circuit-breaker
// decisions delegated to the recovery handler, and persists the outcome as a
// result record.
func (o *Orchestrator) executeAgent(ctx context.Context, p payload, t agent.Type, upstream map[string]any) (*agent.AnalysisResult, error) {
	a, err := o.registry.Get(t)
	if err != nil {
		return nil, err
	}

	ec := recovery.Context{
		AgentType:     t,
		Operation:     "execute",
		CorrelationID: p.WorkflowID,
	}
	if o.recovery != nil && o.recovery.IsCircuitBreakerOpen(string(t)) {
		err := fmt.Errorf("circuit breaker open for %s", t)
		o.writeRecord(ctx, p, t, nil, err)
		return nil, err
	}

	req := agent.AnalysisRequest{
		EvaluationID: p.EvaluationID,
		BusinessIdea: p.BusinessIdea,
		AnalysisType: t,
		Context:      mergeContext(p.Context, upstream),
	}
	if !a.CanHandle(req) {
		err := fmt.Errorf("agent %s rejected request for evaluation %s", t, p.EvaluationID)
		o.writeRecord(ctx, p, t, nil, err)
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "agent.execute",
		attribute.String("agent.type", string(t)))
	defer span.End()

	recID := o.createRunningRecord(ctx, p, t, req)

	start := time.Now()
	res, err := o.executeWithRetry(ctx, a, req, ec)
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordAgentExecution(string(t), "failed", elapsed)
		o.updateRecord(ctx, recID, nil, err)
		return nil, err
	}

	observability.RecordAgentExecution(string(t), "completed", elapsed)
	o.updateRecord(ctx, recID, res, nil)
	return res, nil
}

// executeWithRetry loops attempts until success, a non-retryable
// classification, an exhausted budget or an opened breaker.
func (o *Orchestrator) executeWithRetry(ctx context.Context, a agent.Agent, req agent.AnalysisRequest, ec recovery.Context) (*agent.AnalysisResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := a.Execute(ctx, req)
		if err == nil {
			if res == nil {
				return nil, fmt.Errorf("agent %s returned no result", req.AnalysisType)
			}
			if o.recovery != nil {
				o.recovery.RecordSuccess(ec)
			}
			return res, nil
		}

		if o.recovery == nil {
			return nil, err
		}

		cat := o.recovery.Handle(ctx, err, ec)
		if !o.recovery.ShouldRetry(cat, attempt) {
			return nil, err
		}

		delay := o.recovery.RetryDelay(cat, attempt)
		log.Printf("orchestrator: retrying %s attempt %d in %s: %v",
			req.AnalysisType, attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func mergeContext(base, upstream map[string]any) map[string]any {
	if len(base) == 0 && len(upstream) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if len(upstream) > 0 {
		out["results"] = upstream
	}
	return out
}

// createRunningRecord persists the pre-execution record. Best effort: a
// store failure is logged, never fails the agent run.
func (o *Orchestrator) createRunningRecord(ctx context.Context, p payload, t agent.Type, req agent.AnalysisRequest) string {
	if o.store == nil {
		return ""
	}
	rec := &results.Record{
		ID:           uuid.New().String(),
		EvaluationID: p.EvaluationID,
		AgentType:    t,
		Status:       results.StatusRunning,
		InputData: map[string]any{
			"business_idea": req.BusinessIdea,
		},
	}
	if err := o.store.Create(ctx, rec); err != nil {
		log.Printf("orchestrator: create result record for %s: %v", t, err)
		return ""
	}
	return rec.ID
}

func (o *Orchestrator) updateRecord(ctx context.Context, id string, res *agent.AnalysisResult, execErr error) {
	if o.store == nil || id == "" {
		return
	}
	rec, err := o.store.FindByID(ctx, id)
	if err != nil {
		log.Printf("orchestrator: load result record %s: %v", id, err)
		return
	}

	if execErr != nil {
		rec.Status = results.StatusFailed
		rec.Error = execErr.Error()
	} else {
		rec.Status = results.StatusCompleted
		rec.Score = res.Score
		rec.OutputData = map[string]any{
			"insights":   res.Insights,
			"confidence": res.Confidence,
			"metadata":   res.Metadata,
			"raw_data":   res.RawData,
		}
	}
	if err := o.store.Update(ctx, rec); err != nil {
		log.Printf("orchestrator: update result record %s: %v", id, err)
	}
}

// writeRecord persists a terminal record for failures happening before an
// execution attempt started.
func (o *Orchestrator) writeRecord(ctx context.Context, p payload, t agent.Type, res *agent.AnalysisResult, execErr error) {
	if o.store == nil {
		return
	}
	rec := &results.Record{
		ID:           uuid.New().String(),
		EvaluationID: p.EvaluationID,
		AgentType:    t,
		Status:       results.StatusFailed,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if res != nil {
		rec.Status = results.StatusCompleted
		rec.Score = res.Score
	}
	if err := o.store.Create(ctx, rec); err != nil {
		log.Printf("orchestrator: write result record for %s: %v", t, err)
	}
}
