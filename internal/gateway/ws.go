// ABOUTME: WebSocket endpoint where agents and chat peers hold their tunnels
// ABOUTME: Registers each connection, runs its session, and dispatches inbound frames

package gateway

import (
	"net/http"

	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/session"
)

// checkOrigin allows non-browser clients and, when configured, only the listed
// browser origins.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.config.Hub.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	g.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// beginSession counts a new session unless shutdown has started.
func (g *Gateway) beginSession() bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.stopCtx.Err() != nil {
		return false
	}
	g.sessions.Add(1)
	return true
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.beginSession() {
		g.logger.Debug("websocket refused during shutdown", "remote", r.RemoteAddr)
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.sessions.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := session.New(conn, sessionOptions(g.config.Session), g.logger)
	c := registry.NewConnection(r.RemoteAddr, sess)
	id := g.registry.Register(c)
	sess.OnClose(func() { g.registry.Remove(id) })

	if err := sess.Run(g.stopCtx, func(f session.Frame) { g.handleFrame(c, f) }); err != nil {
		g.logger.Debug("session ended with error", "id", id, "error", err)
	}
}

// handleFrame routes one inbound frame from connection c.
func (g *Gateway) handleFrame(c *registry.Connection, f session.Frame) {
	switch f.Kind {
	case session.FrameText:
		if hello, ok := protocol.DecodeHello(f.Data); ok {
			c.SetAgentInfo(hello.Hostname, hello.Version)
			g.logger.Info("agent identified",
				"id", c.ID,
				"hostname", hello.Hostname,
				"version", hello.Version,
			)
			return
		}
		n := g.relay.Broadcast(c.ID, []byte(protocol.ChatLine(c.ID, string(f.Data))))
		g.metrics.broadcasts.Inc()
		g.metrics.broadcastSends.Add(float64(n))

	case session.FrameBinary:
		g.logger.Debug("ignoring binary frame", "id", c.ID, "bytes", len(f.Data))

	case session.FramePing, session.FramePong:

	case session.FrameClose:
		g.logger.Debug("peer closed connection", "id", c.ID, "code", f.CloseCode)
	}
}
