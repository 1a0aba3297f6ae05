package agent

import (
	"context"
	"time"
)

// Type identifies one pluggable analysis unit.
type Type string

// Well-known agent types shipped with the engine. Custom types are allowed;
// the core treats Type as opaque.
const (
	TypeMarketSizing        Type = "market_sizing"
	TypeCompetitiveAnalysis Type = "competitive_analysis"
	TypePricingStrategy     Type = "pricing_strategy"
	TypeWillingnessToPay    Type = "willingness_to_pay"
)

// Capability declares what an agent provides and what it needs before it can
// run. Dependencies must reference agent types that are (eventually)
// registered; cycles are rejected by the registry.
type Capability struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Dependencies []Type   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Provides     []string `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires     []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// BusinessIdea is the shared unit of work every workflow evaluates.
type BusinessIdea struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Market      string         `json:"market,omitempty" yaml:"market,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// AnalysisRequest is the input to a single agent invocation.
type AnalysisRequest struct {
	EvaluationID string         `json:"evaluation_id"`
	BusinessIdea BusinessIdea   `json:"business_idea"`
	AnalysisType Type           `json:"analysis_type"`
	Context      map[string]any `json:"context,omitempty"`
}

// AnalysisResult is the output of a single agent invocation. RawData is
// opaque to the core and passed through to the result store untouched.
type AnalysisResult struct {
	AgentType  Type           `json:"agent_type"`
	Score      float64        `json:"score"`
	Insights   []string       `json:"insights,omitempty"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RawData    map[string]any `json:"raw_data,omitempty"`
}

// HealthState reports the outcome of an agent health check.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// Health is the result of a single HealthCheck call.
type Health struct {
	Status        HealthState        `json:"status"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	Message       string             `json:"message,omitempty"`
	CheckedAt     time.Time          `json:"checked_at"`
}

// Agent is implemented by every analysis unit the orchestrator can run.
//
// Implementations must be safe for concurrent Execute calls: agents in the
// same dependency level are dispatched together.
type Agent interface {
	// Capabilities returns the agent's declared capability contract.
	// The registry reads this once at registration time.
	Capabilities() Capability

	// Initialize prepares the agent for use. Called once during
	// registration; a failure aborts the registration.
	Initialize(ctx context.Context) error

	// Cleanup releases the agent's resources. Called on unregistration.
	Cleanup(ctx context.Context) error

	// HealthCheck reports the agent's current health.
	HealthCheck(ctx context.Context) (Health, error)

	// CanHandle reports whether the agent accepts the given request.
	CanHandle(req AnalysisRequest) bool

	// Execute performs the analysis and returns a scored result.
	Execute(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)
}

// EstimatedDuration is implemented by agents that can predict how long an
// execution takes. The dependency engine uses the estimate for critical-path
// weighting; agents without an estimate default to one second.
type EstimatedDuration interface {
	EstimatedDuration() time.Duration
}
