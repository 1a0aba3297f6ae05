package agents

import (
	"context"
	"sync"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// Stub is a configurable agent for testing orchestration behavior without
// real analyzers.
type Stub struct {
	Capability agent.Capability
	Result     *agent.AnalysisResult
	ExecuteErr error
	InitErr    error
	Health     agent.Health

	mu    sync.Mutex
	calls int
}

// NewStub creates a healthy stub for the given type and dependencies.
func NewStub(name string, deps ...agent.Type) *Stub {
	return &Stub{
		Capability: agent.Capability{
			Name:         name,
			Version:      "0.0.1",
			Dependencies: deps,
		},
		Result: &agent.AnalysisResult{
			AgentType:  agent.Type(name),
			Score:      0.5,
			Confidence: 0.5,
		},
		Health: agent.Health{Status: agent.HealthStateHealthy},
	}
}

func (s *Stub) Capabilities() agent.Capability { return s.Capability }

func (s *Stub) Initialize(ctx context.Context) error { return s.InitErr }

func (s *Stub) Cleanup(ctx context.Context) error { return nil }

func (s *Stub) HealthCheck(ctx context.Context) (agent.Health, error) {
	h := s.Health
	if h.CheckedAt.IsZero() {
		h.CheckedAt = time.Now()
	}
	return h, nil
}

func (s *Stub) CanHandle(req agent.AnalysisRequest) bool {
	return req.AnalysisType == agent.Type(s.Capability.Name)
}

func (s *Stub) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.ExecuteErr != nil {
		return nil, s.ExecuteErr
	}
	return s.Result, nil
}

// Calls reports how many times Execute ran.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
