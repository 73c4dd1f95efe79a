// ABOUTME: The agent subcommand: samples CPU usage and serves it to the hub over a tunnel
// ABOUTME: Runs the sampler, the retention expirer, and the tunnel client until interrupted

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/burrow/internal/observability"
	"github.com/2389/burrow/internal/session"
	"github.com/2389/burrow/internal/stats"
	"github.com/2389/burrow/internal/store"
	"github.com/2389/burrow/internal/tunnel"
)

func agentCmd() *cobra.Command {
	var hubURL string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent that tunnels to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), hubURL)
		},
	}
	cmd.Flags().StringVar(&hubURL, "hub", "", "override agent.hub_ws_url")
	return cmd
}

func runAgent(ctx context.Context, hubURL string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if hubURL != "" {
		cfg.Agent.HubWSURL = hubURL
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	printBanner()
	if path != "" {
		printField("Config", path)
	}
	printField("Hub", cfg.Agent.HubWSURL)
	printField("Database", cfg.Collector.DatabasePath)
	fmt.Println()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing, "agent", version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	readCPU, err := stats.NewProcReader("")
	if err != nil {
		return fmt.Errorf("agent cannot sample cpu on this host: %w", err)
	}

	samples, err := store.NewSQLiteStore(cfg.Collector.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening stats database: %w", err)
	}
	defer samples.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	client := tunnel.New(tunnel.Config{
		HubURL:                cfg.Agent.HubWSURL,
		CallbackURL:           cfg.Agent.ProxyResponseURL,
		Hostname:              hostname,
		Version:               version,
		BackoffInitial:        cfg.Agent.BackoffInitial,
		BackoffMax:            cfg.Agent.BackoffMax,
		BackoffJitter:         cfg.Agent.BackoffJitter,
		MaxConcurrentCommands: cfg.Agent.MaxConcurrentCommands,
		CallbackTimeout:       cfg.Agent.CallbackTimeout,
		CallbackAttempts:      cfg.Agent.CallbackAttempts,
		Session: session.Options{
			QueueSize:      cfg.Session.QueueSize,
			WriteWait:      cfg.Session.WriteWait,
			PongWait:       cfg.Session.PongWait,
			MaxMessageSize: cfg.Session.MaxMessageSize,
		},
	}, stats.NewProvider(samples, cfg.Collector.HistoryLimit), logger)

	logger.Info("starting agent",
		"hub", cfg.Agent.HubWSURL,
		"hostname", hostname,
		"sample_interval", cfg.Collector.SampleInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stats.NewSampler(samples, readCPU, cfg.Collector.SampleInterval, logger).Run(ctx)
	})
	g.Go(func() error {
		return stats.NewExpirer(samples, cfg.Collector.Retention, cfg.Collector.ExpireInterval, logger).Run(ctx)
	})
	g.Go(func() error {
		return client.Run(ctx)
	})
	return g.Wait()
}
