// Package evalforge wires the evaluation engine together: agent registry,
// work queue, error handler, orchestrator, health monitor, event bus and
// result store, all built from a single Config.
package evalforge

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/internal/health"
	"github.com/evalforge/evalforge/internal/orchestrator"
	"github.com/evalforge/evalforge/internal/queue"
	"github.com/evalforge/evalforge/internal/recovery"
	"github.com/evalforge/evalforge/internal/registry"
	"github.com/evalforge/evalforge/pkg/config"
	"github.com/evalforge/evalforge/pkg/events"
	"github.com/evalforge/evalforge/pkg/observability"
	"github.com/evalforge/evalforge/pkg/results"
)

// Engine is the assembled evaluation core. All services are explicit fields;
// nothing lives in package-level state.
type Engine struct {
	Registry     *registry.Registry
	Queue        *queue.Queue
	ErrorHandler *recovery.Handler
	Orchestrator *orchestrator.Orchestrator
	Monitor      *health.Monitor
	Bus          *events.Bus
	Store        results.Store

	cfg *config.Config
}

// New builds an engine from configuration.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.InitMetrics()

	bus := events.NewBus(cfg.Events.BufferSize)
	reg := registry.New(bus)

	store, err := newStore(cfg)
	if err != nil {
		bus.Close()
		return nil, err
	}

	handler := recovery.NewHandler(recovery.Options{
		BreakerThreshold: cfg.Recovery.BreakerThreshold,
		EscalationWindow: time.Duration(cfg.Recovery.EscalationWindow),
		EscalationCap:    cfg.Recovery.EscalationCap,
		RecentErrors:     cfg.Recovery.RecentErrors,
		Bus:              bus,
	})

	q := queue.New(cfg.Queue.Name, queue.Options{
		DefaultAttempts: cfg.Queue.DefaultAttempts,
		RateLimit:       rate.Limit(cfg.Queue.RateLimit),
		RateBurst:       cfg.Queue.RateBurst,
		Bus:             bus,
	})

	orch, err := orchestrator.New(reg, q, handler, store, bus)
	if err != nil {
		q.Close()
		_ = store.Close()
		bus.Close()
		return nil, err
	}

	monitor := health.New(reg, handler, health.Options{
		Schedule:           cfg.Health.Schedule,
		ErrorRateThreshold: cfg.Health.ErrorRateThreshold,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		BreakerThreshold:   cfg.Health.BreakerThreshold,
		Bus:                bus,
	})

	return &Engine{
		Registry:     reg,
		Queue:        q,
		ErrorHandler: handler,
		Orchestrator: orch,
		Monitor:      monitor,
		Bus:          bus,
		Store:        store,
		cfg:          cfg,
	}, nil
}

func newStore(cfg *config.Config) (results.Store, error) {
	switch cfg.Results.Backend {
	case "redis":
		store, err := results.NewRedisStore(results.RedisConfig{
			Addr:     cfg.Results.Redis.Addr,
			Password: cfg.Results.Redis.Password,
			DB:       cfg.Results.Redis.DB,
			Prefix:   cfg.Results.Redis.Prefix,
			TTL:      time.Duration(cfg.Results.Redis.TTL),
			PoolSize: cfg.Results.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect result store: %w", err)
		}
		return store, nil
	default:
		return results.NewMemoryStore(), nil
	}
}

// Register adds agents to the engine's registry.
func (e *Engine) Register(ctx context.Context, agents ...agent.Agent) error {
	for _, a := range agents {
		if err := e.Registry.Register(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Start begins background work: scheduled health sweeps. Workflow dispatch
// is already live once New returns.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Monitor.Start(ctx); err != nil {
		return err
	}
	log.Printf("evalforge: engine started (queue %s, store %s)",
		e.cfg.Queue.Name, e.cfg.Results.Backend)
	return nil
}

// Evaluate runs one workflow for a business idea under the given workflow ID
// and returns the enqueued job ID. An empty workflow ID gets a generated one.
func (e *Engine) Evaluate(ctx context.Context, workflowID, evaluationID string, idea agent.BusinessIdea, opts orchestrator.Options) (string, error) {
	return e.Orchestrator.ExecuteWorkflow(ctx, workflowID, evaluationID, idea, opts)
}

// WaitForWorkflow polls until the workflow reaches a terminal state or the
// context expires.
func (e *Engine) WaitForWorkflow(ctx context.Context, workflowID string) (orchestrator.WorkflowStatus, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := e.Orchestrator.Status(workflowID)
		if err != nil {
			return orchestrator.WorkflowStatus{}, err
		}
		if st.Status != orchestrator.StateRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops background work and releases resources in dependency order.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Monitor.Stop()
	e.Queue.Close()

	var firstErr error
	if err := e.Store.Close(); err != nil {
		firstErr = err
	}
	for _, t := range e.Registry.All() {
		e.Registry.Unregister(ctx, t)
	}
	e.Bus.Close()

	log.Printf("evalforge: engine stopped")
	return firstErr
}
