// ABOUTME: Agent side of the tunnel: keeps a WebSocket open to the hub and serves its commands
// ABOUTME: Reconnects with capped backoff and reports answers to the hub's callback endpoint

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/session"
)

// ErrConnect wraps failures to establish the tunnel.
var ErrConnect = errors.New("tunnel connect failed")

// State is the client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Dialer opens the tunnel. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Provider produces the answer for one command.
type Provider interface {
	Answer(ctx context.Context, cmd protocol.Command) ([]byte, error)
}

// Config configures a Client.
type Config struct {
	HubURL      string
	CallbackURL string
	Hostname    string
	Version     string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64

	MaxConcurrentCommands int
	CallbackTimeout       time.Duration
	CallbackAttempts      int

	Session session.Options
}

// Client runs the agent's reconnect loop.
type Client struct {
	cfg      Config
	provider Provider
	dialer   Dialer
	callback *Callback
	backoff  *Backoff
	logger   *slog.Logger
	tracer   trace.Tracer
	state    atomic.Int32

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHTTPClient replaces the HTTP client used for callbacks.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.callback.client = hc
	}
}

// New creates a Client. It does not connect until Run is called.
func New(cfg Config, provider Provider, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentCommands < 1 {
		cfg.MaxConcurrentCommands = 1
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}
	logger = logger.With("component", "tunnel")

	c := &Client{
		cfg:      cfg,
		provider: provider,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		callback: NewCallback(cfg.CallbackURL, &http.Client{Timeout: cfg.CallbackTimeout}, cfg.CallbackAttempts, logger),
		backoff:  NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffJitter),
		logger:   logger,
		tracer:   otel.Tracer("github.com/2389/burrow/internal/tunnel"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("tunnel state", "from", prev, "to", s)
	}
}

// Run connects, serves, and reconnects until ctx is cancelled. It returns nil
// on shutdown; connection and command failures are logged and retried.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setState(StateDisconnected)
			delay := c.backoff.Next()
			c.logger.Warn("tunnel connect failed",
				"hub", c.cfg.HubURL,
				"attempt", c.backoff.Attempt(),
				"retry_in", delay,
				"error", err,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		c.backoff.Reset()
		c.setState(StateConnected)
		c.logger.Info("tunnel connected", "hub", c.cfg.HubURL)

		err = c.serve(ctx, conn)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Next()
		c.logger.Warn("tunnel disconnected", "error", err, "retry_in", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.HubURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return conn, nil
}

// serve runs one connected session. Commands run concurrently, bounded by
// MaxConcurrentCommands. A command arriving while every worker is busy is
// dropped so the read loop keeps draining frames; the hub times it out.
// serve waits for running commands before returning.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sess := session.New(conn, c.cfg.Session, c.logger)

	if hello, err := protocol.NewHello(c.cfg.Hostname, c.cfg.Version).Encode(); err == nil {
		if err := sess.Send(hello); err != nil {
			c.logger.Warn("sending hello failed", "error", err)
		}
	}

	var commands errgroup.Group
	commands.SetLimit(c.cfg.MaxConcurrentCommands)

	err := sess.Run(ctx, func(f session.Frame) {
		switch f.Kind {
		case session.FrameText:
			cmd, err := protocol.DecodeCommand(f.Data)
			if err != nil {
				c.logger.Warn("ignoring malformed command", "error", err)
				return
			}
			started := commands.TryGo(func() error {
				c.handleCommand(ctx, cmd)
				return nil
			})
			if !started {
				c.logger.Warn("dropping command, workers busy",
					"request_id", cmd.RequestID,
					"action", cmd.Action,
					"max_concurrent", c.cfg.MaxConcurrentCommands,
				)
			}

		case session.FrameBinary:
			c.logger.Debug("ignoring binary frame", "bytes", len(f.Data))

		case session.FramePing, session.FramePong:

		case session.FrameClose:
			c.logger.Info("hub closed tunnel", "code", f.CloseCode)
		}
	})

	_ = commands.Wait()
	return err
}

// handleCommand produces and reports one answer. Failures are logged only.
func (c *Client) handleCommand(ctx context.Context, cmd protocol.Command) {
	ctx, span := c.tracer.Start(ctx, "tunnel.handleCommand", trace.WithAttributes(
		attribute.String("burrow.request_id", cmd.RequestID),
		attribute.String("burrow.action", cmd.Action),
	))
	defer span.End()

	answer, err := c.provider.Answer(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		c.logger.Warn("command failed", "request_id", cmd.RequestID, "action", cmd.Action, "error", err)
		return
	}

	if err := c.callback.Post(ctx, cmd.RequestID, answer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		c.logger.Warn("reporting answer failed", "request_id", cmd.RequestID, "error", err)
		return
	}
	c.logger.Debug("answer reported", "request_id", cmd.RequestID, "bytes", len(answer))
}
