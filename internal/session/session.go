// ABOUTME: One WebSocket link with a FIFO outbound queue and independent read and write pumps.
// ABOUTME: Used by the hub for each agent and by the agent for its tunnel to the hub.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnreachable indicates the session is closed or closing.
var ErrUnreachable = errors.New("recipient unreachable")

// ErrQueueFull indicates the peer is not draining its queue fast enough.
var ErrQueueFull = fmt.Errorf("%w: outbound queue full", ErrUnreachable)

// FrameKind tags an inbound frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	}
	return "unknown"
}

// Frame is one inbound frame. CloseCode is set only for FrameClose.
type Frame struct {
	Kind      FrameKind
	Data      []byte
	CloseCode int
}

// Handler is called from the read pump for every inbound frame, in order.
type Handler func(Frame)

// Options tunes a session. Zero values fall back to defaults.
type Options struct {
	QueueSize      int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	return o
}

// pingPeriod must be shorter than PongWait so the peer's pong arrives in time.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Session owns a WebSocket connection. Send never blocks; Run drives both pumps.
type Session struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	onCloseMu sync.Mutex
	onClose   []func()
}

// New wraps conn. Nothing is read or written until Run is called.
func New(conn *websocket.Conn, opts Options, logger *slog.Logger) *Session {
	opts = opts.withDefaults()
	return &Session{
		conn:   conn,
		opts:   opts,
		logger: logger,
		send:   make(chan []byte, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// OnClose registers fn to run exactly once after the read pump terminates.
func (s *Session) OnClose(fn func()) {
	s.onCloseMu.Lock()
	defer s.onCloseMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Send queues msg as a text frame. It fails with ErrUnreachable once the
// session is closing and with ErrQueueFull when the queue is saturated.
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrUnreachable
	default:
	}

	select {
	case <-s.done:
		return ErrUnreachable
	case s.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close starts tearing the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// RemoteAddr returns the peer's network address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Run starts the write pump and runs the read pump until the connection ends
// or ctx is cancelled. handle receives every inbound frame. Run returns nil on
// a clean close and the read error otherwise.
func (s *Session) Run(ctx context.Context, handle Handler) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	err := s.readPump(handle)

	s.Close()
	<-writerDone
	s.runOnClose()

	return err
}

func (s *Session) runOnClose() {
	s.onCloseMu.Lock()
	fns := s.onClose
	s.onClose = nil
	s.onCloseMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Session) readPump(handle Handler) error {
	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

	s.conn.SetPongHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		handle(Frame{Kind: FramePong, Data: []byte(appData)})
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		handle(Frame{Kind: FramePing, Data: []byte(appData)})
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.opts.WriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				handle(Frame{Kind: FrameClose, Data: []byte(closeErr.Text), CloseCode: closeErr.Code})
				if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
					return nil
				}
				return err
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		switch msgType {
		case websocket.TextMessage:
			handle(Frame{Kind: FrameText, Data: data})
		case websocket.BinaryMessage:
			handle(Frame{Kind: FrameBinary, Data: data})
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", "remote", s.RemoteAddr(), "error", err)
				s.Close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", "remote", s.RemoteAddr(), "error", err)
				s.Close()
				return
			}

		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}
