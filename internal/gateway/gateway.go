// ABOUTME: Hub orchestrator that owns the registry, correlator, relay, and HTTP server
// ABOUTME: Handles lifecycle (listeners, graceful shutdown) and the proxy round trip

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/correlator"
	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/relay"
	"github.com/2389/burrow/internal/session"
)

// Gateway is the hub: it accepts agent tunnels on /ws and external callers on
// the proxy endpoints, and pairs each proxied command with its answer.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	registry   *registry.Registry
	correlator *correlator.Correlator
	relay      *relay.Relay
	metrics    *metrics
	limiter    *RateLimiter
	tracer     trace.Tracer
	upgrader   websocket.Upgrader

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// stopCtx is cancelled on Shutdown; agent sessions run under it.
	stopCtx context.Context
	stop    context.CancelFunc
	// sessionsMu orders sessions.Add against stop so Wait never races an Add.
	sessionsMu sync.Mutex
	sessions   sync.WaitGroup
}

// New creates a Gateway from a validated hub configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.ValidateHub(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger.With("component", "registry"))
	corr := correlator.New(correlator.Options{PendingTTL: cfg.Hub.PendingTTL}, logger)
	stopCtx, stop := context.WithCancel(context.Background())

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		registry:   reg,
		correlator: corr,
		relay:      relay.New(reg, logger),
		limiter:    NewRateLimiter(cfg.Hub.RateLimitRPM, cfg.Hub.RateLimitBurst),
		tracer:     otel.Tracer("github.com/2389/burrow/internal/gateway"),
		stopCtx:    stopCtx,
		stop:       stop,
	}
	g.metrics = newMetrics(
		func() float64 { return float64(reg.Len()) },
		func() float64 { return float64(corr.Len()) },
	)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.httpServer = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.limiter.Enabled() {
		g.logger.Info("proxy rate limit", "rpm", cfg.Hub.RateLimitRPM, "burst", cfg.Hub.RateLimitBurst)
	} else {
		g.logger.Debug("proxy rate limit disabled")
	}

	return g, nil
}

// Registry exposes the connection table.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Correlator exposes the pending request table.
func (g *Gateway) Correlator() *correlator.Correlator {
	return g.correlator
}

// Proxy sends action to connection target and waits for its answer.
// A failed enqueue is logged and left to the answer timeout.
func (g *Gateway) Proxy(ctx context.Context, target uint64, action string) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Proxy", trace.WithAttributes(
		attribute.Int64("burrow.target", int64(target)),
		attribute.String("burrow.action", action),
	))
	defer span.End()

	conn, err := g.registry.Lookup(target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	requestID := g.correlator.Begin()
	span.SetAttributes(attribute.String("burrow.request_id", requestID))

	cmd, err := protocol.NewCommand(requestID, action).Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	if err := conn.Send(cmd); err != nil {
		g.logger.Warn("command not enqueued, waiting for timeout",
			"target", target,
			"request_id", requestID,
			"error", err,
		)
	} else {
		g.logger.Debug("command dispatched", "target", target, "request_id", requestID, "action", action)
	}

	answer, err := g.correlator.Await(ctx, requestID, g.config.Hub.AnswerTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return answer, nil
}

// Run listens on the configured address (or the tailnet) and serves until ctx
// is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}
	g.logger.Info("hub listening", "addr", ln.Addr().String())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return group.Wait()
}

func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Hub.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Hub.HTTPAddr, err)
	}
	return ln, nil
}

// gracefulShutdown uses a fresh context since the run context is already cancelled.
// In-flight proxy requests get their full answer window.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Hub.ShutdownGrace)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops accepting requests, lets in-flight proxy requests finish,
// closes agent sessions, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessionsMu.Lock()
	g.stop()
	g.sessionsMu.Unlock()
	g.waitSessions(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.correlator.Close()

	return errors.Join(errs...)
}

func (g *Gateway) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("agent sessions still open at shutdown deadline")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func sessionOptions(cfg config.SessionConfig) session.Options {
	return session.Options{
		QueueSize:      cfg.QueueSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}
