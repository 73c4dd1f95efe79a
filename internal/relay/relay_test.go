// ABOUTME: Tests for the broadcast relay
// ABOUTME: Covers sender exclusion and delivery when a recipient disappears mid-broadcast

package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/burrow/internal/logging"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/session"
)

type recordingSender struct {
	mu     sync.Mutex
	got    [][]byte
	onSend func() error
}

func (s *recordingSender) Send(msg []byte) error {
	if s.onSend != nil {
		if err := s.onSend(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, msg)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, m := range s.got {
		out[i] = string(m)
	}
	return out
}

func TestBroadcast_ExcludesSender(t *testing.T) {
	reg := registry.New(logging.Discard())
	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	idA := reg.Register(registry.NewConnection("a", a))
	reg.Register(registry.NewConnection("b", b))
	reg.Register(registry.NewConnection("c", c))

	n := New(reg, logging.Discard()).Broadcast(idA, []byte("hi"))

	assert.Equal(t, 2, n)
	assert.Empty(t, a.messages())
	assert.Equal(t, []string{"hi"}, b.messages())
	assert.Equal(t, []string{"hi"}, c.messages())
}

func TestBroadcast_RecipientRemovedMidBroadcast(t *testing.T) {
	reg := registry.New(logging.Discard())
	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}

	idA := reg.Register(registry.NewConnection("a", a))
	idC := reg.Register(registry.NewConnection("c", c))
	reg.Register(registry.NewConnection("b", b))

	c.onSend = func() error {
		reg.Remove(idC)
		return session.ErrUnreachable
	}

	n := New(reg, logging.Discard()).Broadcast(idA, []byte("hi"))

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hi"}, b.messages())
	assert.Empty(t, c.messages())
	assert.Empty(t, a.messages())
}

func TestBroadcast_SlowRecipientDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(logging.Discard())
	slow := &recordingSender{onSend: func() error { return session.ErrQueueFull }}
	fast := &recordingSender{}

	reg.Register(registry.NewConnection("slow", slow))
	reg.Register(registry.NewConnection("fast", fast))

	n := New(reg, logging.Discard()).Broadcast(0, []byte("x"))

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"x"}, fast.messages())
}

func TestBroadcast_NoPeers(t *testing.T) {
	reg := registry.New(logging.Discard())
	id := reg.Register(registry.NewConnection("alone", &recordingSender{}))

	assert.Equal(t, 0, New(reg, nil).Broadcast(id, []byte("echo?")))
}
