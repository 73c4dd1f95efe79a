// ABOUTME: The hub subcommand: accepts agent tunnels and serves the HTTP proxy API
// ABOUTME: Wires config, logging, tracing, and the gateway together

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/burrow/internal/gateway"
	"github.com/2389/burrow/internal/observability"
)

func hubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd.Context())
		},
	}
}

func runHub(ctx context.Context) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateHub(); err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	printBanner()
	if path != "" {
		printField("Config", path)
	}
	if cfg.Tailscale.Enabled {
		printField("Tailscale", cfg.Tailscale.Hostname)
	} else {
		printField("HTTP", cfg.Hub.HTTPAddr)
	}
	if cfg.Metrics.Enabled {
		printField("Metrics", cfg.Metrics.Path)
	}
	fmt.Println()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing, "hub", version)
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

	logger.Info("starting hub",
		"http_addr", cfg.Hub.HTTPAddr,
		"answer_timeout", cfg.Hub.AnswerTimeout,
		"tailscale", cfg.Tailscale.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
