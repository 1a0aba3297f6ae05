package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evalforge/evalforge/agent"
)

// MarketSizing estimates the addressable market for a business idea. It has
// no dependencies and anchors the first dependency level of every default
// workflow.
type MarketSizing struct {
	*Base
}

// NewMarketSizing creates the market sizing analyzer.
func NewMarketSizing() *MarketSizing {
	return &MarketSizing{
		Base: NewBase(agent.Capability{
			Name:     string(agent.TypeMarketSizing),
			Version:  "1.0.0",
			Provides: []string{"market_size_estimate", "tam_analysis"},
		}, 2*time.Second),
	}
}

// Execute scores market attractiveness from the idea description and any
// declared market attributes.
func (a *MarketSizing) Execute(ctx context.Context, req agent.AnalysisRequest) (*agent.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idea := req.BusinessIdea
	score := 0.4
	var insights []string

	if idea.Market != "" {
		score += 0.2
		insights = append(insights, fmt.Sprintf("target market identified: %s", idea.Market))
	} else {
		insights = append(insights, "no target market declared; sizing is speculative")
	}

	words := len(strings.Fields(idea.Description))
	switch {
	case words >= 50:
		score += 0.2
		insights = append(insights, "detailed idea description supports sizing confidence")
	case words >= 15:
		score += 0.1
	default:
		insights = append(insights, "idea description too thin for reliable sizing")
	}

	if tam, ok := idea.Attributes["tam_usd"].(float64); ok && tam > 0 {
		if tam >= 1e9 {
			score += 0.2
			insights = append(insights, "declared TAM exceeds $1B")
		} else {
			score += 0.1
		}
	}

	score = clamp01(score)
	return &agent.AnalysisResult{
		AgentType:  agent.TypeMarketSizing,
		Score:      score,
		Insights:   insights,
		Confidence: 0.6,
		RawData: map[string]any{
			"description_words": words,
			"market":            idea.Market,
		},
	}, nil
}
