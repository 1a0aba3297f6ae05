package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// CompetitiveAnalysis assesses competitive pressure. It depends on market
// sizing and blends the upstream market score into its own.
type CompetitiveAnalysis struct {
	*Base
}

// NewCompetitiveAnalysis creates the competitive analysis agent.
func NewCompetitiveAnalysis() *CompetitiveAnalysis {
	return &CompetitiveAnalysis{
		Base: NewBase(agent.Capability{
			Name:         string(agent.TypeCompetitiveAnalysis),
			Version:      "1.0.0",
			Dependencies: []agent.Type{agent.TypeMarketSizing},
			Provides:     []string{"competitor_landscape", "differentiation_assessment"},
			Requires:     []string{"market_size_estimate"},
		}, 3*time.Second),
	}
}

// Execute scores the idea's competitive position.
func (a *CompetitiveAnalysis) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	score := 0.5
	var insights []string

	if competitors, ok := req.BusinessIdea.Attributes["known_competitors"].(float64); ok {
		switch {
		case competitors == 0:
			score += 0.2
			insights = append(insights, "no known competitors; verify the market actually exists")
		case competitors <= 3:
			score += 0.1
			insights = append(insights, fmt.Sprintf("%.0f known competitors; room to differentiate", competitors))
		default:
			score -= 0.2
			insights = append(insights, fmt.Sprintf("crowded space with %.0f competitors", competitors))
		}
	} else {
		insights = append(insights, "competitor count unknown")
	}

	confidence := 0.5
	if market, ok := upstreamScore(req, agent.TypeMarketSizing); ok {
		// A strong market compensates for competitive pressure.
		score = 0.7*score + 0.3*market
		confidence = 0.7
		insights = append(insights, fmt.Sprintf("market sizing score %.2f factored in", market))
	}

	return &agent.AnalysisResult{
		AgentType:  agent.TypeCompetitiveAnalysis,
		Score:      clamp01(score),
		Insights:   insights,
		Confidence: confidence,
	}, nil
}
