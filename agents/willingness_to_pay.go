package agents

import (
	"context"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// WillingnessToPay estimates whether customers would actually pay. It sits
// at the deepest dependency level, consuming both competitive analysis and
// pricing strategy.
type WillingnessToPay struct {
	*Base
}

// NewWillingnessToPay creates the willingness-to-pay agent.
func NewWillingnessToPay() *WillingnessToPay {
	return &WillingnessToPay{
		Base: NewBase(agent.Capability{
			Name:    string(agent.TypeWillingnessToPay),
			Version: "1.0.0",
			Dependencies: []agent.Type{
				agent.TypeCompetitiveAnalysis,
				agent.TypePricingStrategy,
			},
			Provides: []string{"willingness_to_pay_estimate"},
			Requires: []string{"differentiation_assessment", "pricing_model"},
		}, 2*time.Second),
	}
}

// Execute blends the upstream scores into a payment-likelihood estimate.
func (a *WillingnessToPay) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	score := 0.5
	confidence := 0.4
	var insights []string

	competitive, haveCompetitive := upstreamScore(req, agent.TypeCompetitiveAnalysis)
	pricing, havePricing := upstreamScore(req, agent.TypePricingStrategy)

	if haveCompetitive && havePricing {
		score = 0.5*pricing + 0.3*competitive + 0.2*score
		confidence = 0.75
		if pricing > 0.6 && competitive > 0.6 {
			insights = append(insights, "strong pricing position in a differentiated market")
		}
	} else {
		insights = append(insights, "upstream analyses missing; estimate is a prior only")
	}

	if pain, ok := req.BusinessIdea.Attributes["pain_severity"].(float64); ok {
		score = 0.7*score + 0.3*clamp01(pain)
		insights = append(insights, "customer pain severity factored in")
	}

	return &agent.AnalysisResult{
		AgentType:  agent.TypeWillingnessToPay,
		Score:      clamp01(score),
		Insights:   insights,
		Confidence: confidence,
	}, nil
}
