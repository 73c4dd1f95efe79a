// ABOUTME: Produces answers for hub commands from the stored CPU samples
// ABOUTME: history returns [timestamp, cpu] pairs newest first; snapshot returns the latest reading

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/store"
)

// ErrUnsupportedAction is returned for commands the provider does not know.
var ErrUnsupportedAction = errors.New("unsupported action")

// ErrNoData is returned for a snapshot before the first sample exists.
var ErrNoData = errors.New("no samples recorded yet")

// Snapshot is the answer to a snapshot command.
type Snapshot struct {
	CPU       float64 `json:"cpu"`
	Timestamp int64   `json:"timestamp"`
}

// Provider answers commands from a sample store.
type Provider struct {
	store        store.SampleStore
	historyLimit int
}

// NewProvider creates a Provider returning at most historyLimit samples.
func NewProvider(s store.SampleStore, historyLimit int) *Provider {
	if historyLimit <= 0 {
		historyLimit = 500
	}
	return &Provider{store: s, historyLimit: historyLimit}
}

// Answer produces the JSON answer for cmd.
func (p *Provider) Answer(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	switch cmd.Action {
	case protocol.ActionHistory, "":
		samples, err := p.store.History(ctx, p.historyLimit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(samples)

	case protocol.ActionSnapshot:
		latest, err := p.store.Latest(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoData
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(Snapshot{CPU: latest.CPUUsage, Timestamp: latest.Timestamp})

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, cmd.Action)
	}
}
