package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// PricingStrategy evaluates monetization approach. Depends on market sizing.
type PricingStrategy struct {
	*Base
}

// NewPricingStrategy creates the pricing strategy agent.
func NewPricingStrategy() *PricingStrategy {
	return &PricingStrategy{
		Base: NewBase(agent.Capability{
			Name:         string(agent.TypePricingStrategy),
			Version:      "1.0.0",
			Dependencies: []agent.Type{agent.TypeMarketSizing},
			Provides:     []string{"pricing_model", "revenue_projection"},
			Requires:     []string{"market_size_estimate"},
		}, 2*time.Second),
	}
}

// Execute scores the viability of the declared pricing model.
func (a *PricingStrategy) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	score := 0.4
	var insights []string

	model, _ := req.BusinessIdea.Attributes["pricing_model"].(string)
	switch model {
	case "subscription":
		score += 0.3
		insights = append(insights, "recurring revenue model")
	case "freemium":
		score += 0.2
		insights = append(insights, "freemium conversion rates need validation")
	case "one_time":
		score += 0.1
		insights = append(insights, "one-time pricing limits lifetime value")
	case "":
		insights = append(insights, "no pricing model declared")
	default:
		score += 0.1
		insights = append(insights, fmt.Sprintf("unrecognized pricing model %q", model))
	}

	confidence := 0.5
	if market, ok := upstreamScore(req, agent.TypeMarketSizing); ok {
		score = 0.8*score + 0.2*market
		confidence = 0.65
	}

	return &agent.AnalysisResult{
		AgentType:  agent.TypePricingStrategy,
		Score:      clamp01(score),
		Insights:   insights,
		Confidence: confidence,
		Metadata:   map[string]any{"pricing_model": model},
	}, nil
}
