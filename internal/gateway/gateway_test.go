// ABOUTME: End-to-end tests for the hub over real HTTP and WebSocket connections
// ABOUTME: Covers the correlated proxy round trip, chat relay, and lifecycle

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/correlator"
	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/registry"
)

func startHub(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := newTestGateway(t, mutate...)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialRegistered dials and waits until the hub has registered the connection,
// so ids follow dial order.
func dialRegistered(t *testing.T, gw *Gateway, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	want := gw.Registry().Len() + 1
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return gw.Registry().Len() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestProxy_EndToEnd(t *testing.T) {
	gw, srv := startHub(t)

	for i := 0; i < 6; i++ {
		gw.Registry().Register(registry.NewConnection(fmt.Sprintf("dummy-%d", i), nopSender{}))
	}

	agent := dialHub(t, srv)
	require.Eventually(t, func() bool { return gw.Registry().Len() == 7 }, 2*time.Second, 10*time.Millisecond)
	_, err := gw.Registry().Lookup(7)
	require.NoError(t, err, "the seventh connection must get id 7")

	seen := make(chan string, 1)
	go func() {
		_, data, err := agent.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			return
		}
		seen <- cmd.RequestID
		resp, err := http.Post(srv.URL+"/api/proxy/response/"+cmd.RequestID, "application/json",
			bytes.NewReader([]byte(`{"cpu":12.5}`)))
		if err == nil {
			resp.Body.Close()
		}
	}()

	resp, err := http.Get(srv.URL + "/proxy/7?action=snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cpu":12.5}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	rid := <-seen
	assert.Equal(t, 0, gw.Correlator().Len())

	err = gw.Correlator().Complete(rid, []byte(`{}`))
	assert.ErrorIs(t, err, correlator.ErrUnknownCorrelationID, "a consumed id must not be completable again")
}

func TestProxy_UnknownTargetCreatesNoPendingEntry(t *testing.T) {
	gw := newTestGateway(t)

	_, err := gw.Proxy(context.Background(), 99, protocol.ActionHistory)

	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 0, gw.Correlator().Len())
}

func TestProxy_CallerGoneRemovesEntry(t *testing.T) {
	gw := newTestGateway(t)
	id := gw.Registry().Register(registry.NewConnection("a", nopSender{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Proxy(ctx, id, protocol.ActionHistory)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, gw.Correlator().Len())
}

func TestWebSocket_HelloIsRecordedNotBroadcast(t *testing.T) {
	gw, srv := startHub(t)

	agent := dialRegistered(t, gw, srv)
	peer := dialRegistered(t, gw, srv)

	hello, err := protocol.NewHello("box-1", "0.9.0").Encode()
	require.NoError(t, err)
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, hello))
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, []byte("after hello")))

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "<User#1>: after hello", string(data))

	conn, err := gw.Registry().Lookup(1)
	require.NoError(t, err)
	host, version := conn.AgentInfo()
	assert.Equal(t, "box-1", host)
	assert.Equal(t, "0.9.0", version)
}

func TestWebSocket_BroadcastExcludesSender(t *testing.T) {
	gw, srv := startHub(t)

	a := dialRegistered(t, gw, srv)
	b := dialRegistered(t, gw, srv)
	c := dialRegistered(t, gw, srv)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hi all")))

	for _, peer := range []*websocket.Conn{b, c} {
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := peer.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "<User#1>: hi all", string(data))
	}

	_ = a.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := a.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "sender must not receive its own message, got %v", err)
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	gw, srv := startHub(t)

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return gw.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool { return gw.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	_, srv := startHub(t, func(c *config.Config) {
		c.Hub.AllowedOrigins = []string{"https://ok.example"}
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://ok.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	gw := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_ClosesAgentSessions(t *testing.T) {
	gw, srv := startHub(t)

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return gw.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, gw.Registry().Len())
}

func TestShutdown_RefusesNewTunnels(t *testing.T) {
	gw, srv := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, gw.Registry().Len())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want *Error
	}{
		{registry.ErrNotFound, ErrTargetNotFound},
		{fmt.Errorf("wrapped: %w", correlator.ErrUnknownCorrelationID), ErrRequestIDNotFound},
		{correlator.ErrTimeout, ErrUpstreamTimeout},
		{protocol.ErrMalformed, ErrMalformedAnswer},
		{ErrRateLimited, ErrRateLimited},
		{errors.New("disk on fire"), ErrInternal},
	}
	for _, tt := range tests {
		assert.Same(t, tt.want, classify(tt.err), "classify(%v)", tt.err)
	}
}

func TestRateLimiter(t *testing.T) {
	disabled := NewRateLimiter(0, 5)
	assert.False(t, disabled.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, disabled.Allow("x"))
	}

	rl := NewRateLimiter(60, 2)
	assert.True(t, rl.Enabled())
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "clients are limited independently")
}

func TestRateLimiter_BoundedKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	for i := 0; i < maxTrackedClients+100; i++ {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.LessOrEqual(t, len(rl.clients), maxTrackedClients)
}

func TestClientsResponse_JSON(t *testing.T) {
	data, err := json.Marshal(ClientInfo{ID: 3, Addr: "1.2.3.4:5", ConnectedAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"addr":"1.2.3.4:5","connected_at":"1970-01-01T00:00:00Z"}`, string(data))
}
