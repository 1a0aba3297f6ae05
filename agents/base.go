// Package agents ships the built-in business-idea analyzers. Their scoring
// heuristics are deliberately simple; the orchestration core treats every
// agent as opaque.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// Base provides the lifecycle and capability plumbing shared by all built-in
// analyzers. Embed it and implement Execute.
type Base struct {
	capability agent.Capability
	estimate   time.Duration

	mu    sync.RWMutex
	ready bool
}

// NewBase creates the shared agent scaffolding.
func NewBase(capability agent.Capability, estimate time.Duration) *Base {
	return &Base{
		capability: capability,
		estimate:   estimate,
	}
}

// Capabilities returns the declared capability contract.
func (b *Base) Capabilities() agent.Capability {
	return b.capability
}

// Initialize marks the agent ready.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
	return nil
}

// Cleanup marks the agent unavailable.
func (b *Base) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	return nil
}

// HealthCheck reports healthy once initialized.
func (b *Base) HealthCheck(ctx context.Context) (agent.Health, error) {
	b.mu.RLock()
	ready := b.ready
	b.mu.RUnlock()

	status := agent.HealthStateHealthy
	msg := ""
	if !ready {
		status = agent.HealthStateUnhealthy
		msg = "agent not initialized"
	}
	return agent.Health{
		Status:    status,
		Message:   msg,
		CheckedAt: time.Now(),
	}, nil
}

// CanHandle accepts requests matching the agent's own type.
func (b *Base) CanHandle(req agent.AnalysisRequest) bool {
	return req.AnalysisType == agent.Type(b.capability.Name)
}

// EstimatedDuration returns the declared execution estimate.
func (b *Base) EstimatedDuration() time.Duration {
	return b.estimate
}

// upstreamScore extracts a dependency's score from the request context.
func upstreamScore(req agent.AnalysisRequest, dep agent.Type) (float64, bool) {
	results, ok := req.Context["results"].(map[string]any)
	if !ok {
		return 0, false
	}
	entry, ok := results[string(dep)].(map[string]any)
	if !ok {
		return 0, false
	}
	score, ok := entry["score"].(float64)
	return score, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
