package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge"
	"github.com/evalforge/evalforge/agents"
	"github.com/evalforge/evalforge/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evaluation engine with metrics and health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Observability.TracingEnabled {
		if err := observability.InitTracing(observability.TracingConfig{
			Enabled:      true,
			ExporterType: cfg.Observability.TracingExporter,
			OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		}); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
	}

	engine, err := evalforge.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Register(ctx,
		agents.NewMarketSizing(),
		agents.NewCompetitiveAnalysis(),
		agents.NewPricingStrategy(),
		agents.NewWillingnessToPay(),
	); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(&observability.HealthCheck{
		Name:     "registry",
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			if v := engine.Registry.ValidateDependencies(); !v.Valid {
				return fmt.Errorf("dependency issues: %v", v.Issues)
			}
			return nil
		},
	})

	obsServer := observability.NewServer(metricsPort(cfg.Observability.MetricsAddr), checker)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("serving metrics and health on %s", cfg.Observability.MetricsAddr)
		if err := obsServer.Start(); err != nil {
			errCh <- fmt.Errorf("observability server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("error: %v", err)
	case <-quit:
		log.Println("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("observability server shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	if err := observability.ShutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	return nil
}

// metricsPort extracts the port from a listen address like ":9090".
func metricsPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9090
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}
