package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge"
	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/agents"
	"github.com/evalforge/evalforge/internal/orchestrator"
)

var (
	evaluateTitle       string
	evaluateDescription string
	evaluateMarket      string
	evaluateFile        string
	evaluateTimeout     time.Duration
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a single business idea and print the results",
	Long: `Evaluate runs one workflow over the built-in analyzers and prints
each agent's score and insights. The idea comes from flags or from a JSON
file with the business idea fields.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvaluate()
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateTitle, "title", "", "Idea title")
	evaluateCmd.Flags().StringVar(&evaluateDescription, "description", "", "Idea description")
	evaluateCmd.Flags().StringVar(&evaluateMarket, "market", "", "Target market")
	evaluateCmd.Flags().StringVarP(&evaluateFile, "file", "f", "", "JSON file with the business idea")
	evaluateCmd.Flags().DurationVar(&evaluateTimeout, "timeout", 2*time.Minute, "Workflow timeout")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate() error {
	idea, err := ideaFromInput()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	engine, err := evalforge.New(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()

	if err := engine.Register(ctx,
		agents.NewMarketSizing(),
		agents.NewCompetitiveAnalysis(),
		agents.NewPricingStrategy(),
		agents.NewWillingnessToPay(),
	); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	evaluationID := uuid.New().String()
	workflowID := uuid.New().String()
	if _, err := engine.Evaluate(ctx, workflowID, evaluationID, idea, orchestrator.Options{
		Timeout: evaluateTimeout,
	}); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, evaluateTimeout+10*time.Second)
	defer cancel()
	status, err := engine.WaitForWorkflow(waitCtx, workflowID)
	if err != nil {
		return err
	}

	fmt.Printf("Workflow %s: %s\n", workflowID, status.Status)
	if status.Error != "" {
		fmt.Printf("Error: %s\n", status.Error)
	}

	records, err := engine.Store.FindByEvaluationID(ctx, evaluationID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("\n%s (%s) score=%.2f\n", rec.AgentType, rec.Status, rec.Score)
		// Stores JSON round-trip the payload, so insights may arrive as
		// []any instead of []string.
		switch insights := rec.OutputData["insights"].(type) {
		case []string:
			for _, insight := range insights {
				fmt.Printf("  - %s\n", insight)
			}
		case []any:
			for _, insight := range insights {
				fmt.Printf("  - %v\n", insight)
			}
		}
	}

	if status.Status != orchestrator.StateCompleted {
		return fmt.Errorf("workflow finished %s", status.Status)
	}
	return nil
}

func ideaFromInput() (agent.BusinessIdea, error) {
	if evaluateFile != "" {
		data, err := os.ReadFile(evaluateFile)
		if err != nil {
			return agent.BusinessIdea{}, fmt.Errorf("read idea file: %w", err)
		}
		var idea agent.BusinessIdea
		if err := json.Unmarshal(data, &idea); err != nil {
			return agent.BusinessIdea{}, fmt.Errorf("parse idea file: %w", err)
		}
		if idea.ID == "" {
			idea.ID = uuid.New().String()
		}
		return idea, nil
	}

	if evaluateTitle == "" || evaluateDescription == "" {
		return agent.BusinessIdea{}, fmt.Errorf("either --file or both --title and --description are required")
	}
	return agent.BusinessIdea{
		ID:          uuid.New().String(),
		Title:       evaluateTitle,
		Description: evaluateDescription,
		Market:      evaluateMarket,
	}, nil
}
