// ABOUTME: Optional tailnet listener so agents reach the hub only over Tailscale
// ABOUTME: Builds the embedded tsnet node and reports the URLs agents should dial

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/burrow/internal/config"
	"tailscale.com/tsnet"
)

// tsnet keeps the node key here once the node has logged in.
const tailnetStateFile = "tailscaled.state"

var errNoTailnetKey = errors.New("tailscale.auth_key or TS_AUTHKEY is required for a node that has not joined the tailnet yet")

// tailnetNode builds the tsnet server for the hub. State lives under
// $XDG_STATE_HOME/burrow/<hostname> unless tailscale.state_dir is set, so two
// hubs on one machine never share a node key. An auth key is only needed on
// first start.
func tailnetNode(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir := cfg.StateDir
	if dir == "" {
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("no home directory for tailnet state, set tailscale.state_dir: %w", err)
			}
			base = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(base, "burrow", cfg.Hostname)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailnet state dir: %w", err)
	}

	key := cfg.AuthKey
	if key == "" {
		key = os.Getenv("TS_AUTHKEY")
	}
	if key == "" {
		if _, err := os.Stat(filepath.Join(dir, tailnetStateFile)); err != nil {
			return nil, errNoTailnetKey
		}
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		AuthKey:   key,
		Ephemeral: cfg.Ephemeral,
	}, nil
}

// tailnetURLs returns the tunnel and proxy URLs for a node's MagicDNS name.
func tailnetURLs(dnsName string) (wsURL, proxyURL string) {
	host := strings.TrimSuffix(dnsName, ".")
	return "ws://" + host + "/ws", "http://" + host + "/api/proxy/"
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	node, err := tailnetNode(g.config.Tailscale)
	if err != nil {
		return nil, err
	}
	g.tsnetServer = node

	g.logger.Info("joining tailnet", "hostname", node.Hostname, "state_dir", node.Dir)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("joining tailnet as %s: %w", node.Hostname, err)
	}
	if status.Self != nil && status.Self.DNSName != "" {
		wsURL, proxyURL := tailnetURLs(status.Self.DNSName)
		g.logger.Info("hub on tailnet", "agent_hub_ws_url", wsURL, "proxy_url", proxyURL, "ips", status.TailscaleIPs)
	}

	ln, err := node.Listen("tcp", ":80")
	if err != nil {
		_ = node.Close()
		return nil, fmt.Errorf("listening on tailnet port 80: %w", err)
	}
	return ln, nil
}
