// ABOUTME: Commands that query a running hub over HTTP
// ABOUTME: "clients" lists agents, "history" fetches an agent's CPU samples, "health" checks readiness

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/burrow/internal/gateway"
	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/store"
)

var hubHTTP string

func hubBaseURL() (string, error) {
	if hubHTTP != "" {
		return strings.TrimRight(hubHTTP, "/"), nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Hub.HTTPAddr, nil
}

func getHub(ctx context.Context, path string) (int, []byte, error) {
	base, err := hubBaseURL()
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("contacting hub: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func clientsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List agents connected to a running hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := getHub(cmd.Context(), "/api/clients")
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("hub answered %d: %s", status, strings.TrimSpace(string(body)))
			}
			if asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return err
			}

			var resp gateway.ClientsResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding clients: %w", err)
			}
			return printClients(cmd.OutOrStdout(), resp.Clients)
		},
	}
	cmd.Flags().StringVar(&hubHTTP, "hub-url", "", "hub base URL (default: http://<hub.http_addr>)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func printClients(w io.Writer, clients []gateway.ClientInfo) error {
	if len(clients) == 0 {
		_, err := fmt.Fprintln(w, "no agents connected")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	color.New(color.Bold).Fprintln(tw, "ID\tHOSTNAME\tADDR\tVERSION\tCONNECTED")
	for _, c := range clients {
		hostname := c.Hostname
		if hostname == "" {
			hostname = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			c.ID, hostname, c.Addr, c.Version,
			time.Since(c.ConnectedAt).Round(time.Second))
	}
	return tw.Flush()
}

func historyCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Fetch an agent's CPU history through a running hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
				return fmt.Errorf("agent id must be a number: %q", args[0])
			}
			path := "/api/proxy/" + url.PathEscape(args[0]) + "?action=" + protocol.ActionHistory
			status, body, err := getHub(cmd.Context(), path)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("hub answered %d: %s", status, strings.TrimSpace(string(body)))
			}
			if asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return err
			}

			var samples []store.Sample
			if err := json.Unmarshal(body, &samples); err != nil {
				return fmt.Errorf("decoding history: %w", err)
			}
			if limit > 0 && len(samples) > limit {
				samples = samples[:limit]
			}
			return printHistory(cmd.OutOrStdout(), samples)
		},
	}
	cmd.Flags().StringVar(&hubHTTP, "hub-url", "", "hub base URL (default: http://<hub.http_addr>)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON answer")
	cmd.Flags().IntVar(&limit, "limit", 20, "show at most this many samples (0 for all)")
	return cmd
}

func printHistory(w io.Writer, samples []store.Sample) error {
	if len(samples) == 0 {
		_, err := fmt.Fprintln(w, "no samples yet")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	color.New(color.Bold).Fprintln(tw, "TIME\tCPU")
	for _, s := range samples {
		fmt.Fprintf(tw, "%s\t%.1f%%\n", s.Time().UTC().Format(time.RFC3339), s.CPUUsage)
	}
	return tw.Flush()
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether a running hub is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := getHub(cmd.Context(), "/health/ready")
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}
			color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "healthy ")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return err
		},
	}
	cmd.Flags().StringVar(&hubHTTP, "hub-url", "", "hub base URL (default: http://<hub.http_addr>)")
	return cmd
}
