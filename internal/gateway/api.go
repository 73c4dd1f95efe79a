// ABOUTME: HTTP API handlers for proxying to agents and receiving their answers
// ABOUTME: Also serves the connection listing and health endpoints

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/burrow/internal/protocol"
)

// Handler returns the hub's HTTP routes. Proxy, callback and listing routes
// are served both bare and under /api.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, prefix := range []string{"", "/api"} {
		mux.HandleFunc("GET "+prefix+"/proxy/{id}", g.handleProxy)
		mux.HandleFunc("POST "+prefix+"/proxy/response/{rid}", g.handleProxyResponse)
		mux.HandleFunc("GET "+prefix+"/clients", g.handleClients)
	}
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.handler())
	}

	return g.recoverer(mux)
}

// recoverer turns a handler panic into an internal_error response.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				writeError(w, ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleProxy handles GET /proxy/{id}?action=history|snapshot
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		g.metrics.proxyRequests.WithLabelValues(outcome).Inc()
		g.metrics.proxyDuration.Observe(time.Since(start).Seconds())
	}()

	if !g.limiter.Allow(clientKey(r)) {
		outcome = writeError(w, ErrRateLimited).Reason
		return
	}

	target, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		outcome = writeError(w, ErrInvalidIdentifier).Reason
		return
	}

	action := r.URL.Query().Get("action")
	switch action {
	case "":
		action = protocol.ActionHistory
	case protocol.ActionHistory, protocol.ActionSnapshot:
	default:
		outcome = writeError(w, ErrInvalidAction).Reason
		return
	}

	// The request context, not the hub's stop context: shutdown lets the
	// answer window run out instead of aborting it.
	answer, err := g.Proxy(r.Context(), target, action)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Nobody is left to read a response.
		outcome = "client_gone"
		g.logger.Debug("caller went away before the answer", "target", target, "error", err)
		return
	}
	if err != nil {
		e := writeError(w, err)
		outcome = e.Reason
		if e == ErrInternal {
			g.logger.Error("proxy failed", "target", target, "error", err)
		} else {
			g.logger.Debug("proxy failed", "target", target, "reason", e.Reason)
		}
		return
	}

	var decoded json.RawMessage
	if err := json.Unmarshal(answer, &decoded); err != nil {
		outcome = writeError(w, ErrMalformedAnswer).Reason
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(decoded)
}

// handleProxyResponse handles POST /proxy/response/{rid} from agents.
func (g *Gateway) handleProxyResponse(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("rid")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.Hub.MaxAnswerBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.logger.Warn("answer too large", "request_id", requestID, "limit", tooLarge.Limit)
		}
		g.metrics.callbacks.WithLabelValues(ErrMalformedAnswer.Reason).Inc()
		writeError(w, ErrMalformedAnswer)
		return
	}

	if err := protocol.ValidateAnswer(body); err != nil {
		g.metrics.callbacks.WithLabelValues(ErrMalformedAnswer.Reason).Inc()
		g.logger.Warn("malformed answer", "request_id", requestID, "error", err)
		writeError(w, err)
		return
	}

	if err := g.correlator.Complete(requestID, body); err != nil {
		e := writeError(w, err)
		g.metrics.callbacks.WithLabelValues(e.Reason).Inc()
		g.logger.Warn("answer for unknown request", "request_id", requestID, "error", err)
		return
	}

	g.metrics.callbacks.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"request_id": requestID, "status": "accepted"})
}

// ClientInfo is one entry of the /clients listing.
type ClientInfo struct {
	ID          uint64    `json:"id"`
	Addr        string    `json:"addr"`
	Hostname    string    `json:"hostname,omitempty"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClientsResponse is the body of GET /clients.
type ClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}

func (g *Gateway) handleClients(w http.ResponseWriter, r *http.Request) {
	conns := g.registry.Snapshot()
	resp := ClientsResponse{Clients: make([]ClientInfo, 0, len(conns))}
	for _, c := range conns {
		hostname, version := c.AgentInfo()
		resp.Clients = append(resp.Clients, ClientInfo{
			ID:          c.ID,
			Addr:        c.Addr,
			Hostname:    hostname,
			Version:     version,
			ConnectedAt: c.ConnectedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
