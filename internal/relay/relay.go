// ABOUTME: Fans a message from one connection out to every other registered connection
// ABOUTME: Best-effort: a recipient being torn down never affects the sender or other recipients

package relay

import (
	"errors"
	"log/slog"

	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/session"
)

// Relay broadcasts over a registry snapshot.
type Relay struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Relay over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: reg,
		logger:   logger.With("component", "relay"),
	}
}

// Broadcast enqueues msg on every registered connection except senderID and
// returns how many recipients accepted it.
func (r *Relay) Broadcast(senderID uint64, msg []byte) int {
	delivered := 0
	for _, conn := range r.registry.Snapshot() {
		if conn.ID == senderID {
			continue
		}
		if err := conn.Send(msg); err != nil {
			if errors.Is(err, session.ErrQueueFull) {
				r.logger.Warn("dropped broadcast for slow recipient", "sender", senderID, "recipient", conn.ID)
			} else {
				r.logger.Debug("recipient gone during broadcast", "sender", senderID, "recipient", conn.ID, "error", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}
