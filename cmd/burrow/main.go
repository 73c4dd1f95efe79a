// ABOUTME: Entry point for the burrow binary
// ABOUTME: Runs either the hub or an agent, plus small commands for inspecting a running hub

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/logging"
)

// version is set at build time.
var version = "dev"

const banner = `
 _
| |__  _   _ _ __ _ __ _____      __
| '_ \| | | | '__| '__/ _ \ \ /\ / /
| |_) | |_| | |  | | | (_) \ V  V /
|_.__/ \__,_|_|  |_|  \___/ \_/\_/
`

var (
	cfgFile  string
	logLevel string
)

// getConfigPath returns the config file to load.
// Priority: --config > BURROW_CONFIG > XDG_CONFIG_HOME/burrow/burrow.yaml if it exists > defaults
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if envPath := os.Getenv("BURROW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "burrow", "burrow.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, path, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Level,
		Format: cfg.Format,
		Writer: os.Stderr,
	})
}

func printBanner() {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)
}

// printField prints one line of startup info.
func printField(label, value string) {
	color.New(color.FgGreen).Print("    ▶ ")
	fmt.Printf("%-10s %s\n", label+":", value)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "burrow",
		Short:         "Reverse-tunnel hub and agent for remote machine stats",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $BURROW_CONFIG or ~/.config/burrow/burrow.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(hubCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(clientsCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "burrow %s\n", version)
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
