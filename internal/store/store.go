// ABOUTME: Store interface and data types for the agent's CPU sample history
// ABOUTME: Defines Sample and the SampleStore interface used by the stats provider

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Sample is one CPU usage measurement.
type Sample struct {
	Timestamp int64   // unix seconds
	CPUUsage  float64 // percent, 0..100
}

// Time returns the sample's timestamp as a time.Time.
func (s Sample) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// MarshalJSON encodes a sample as a [timestamp, cpu_usage] pair.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Timestamp, s.CPUUsage})
}

// UnmarshalJSON decodes a [timestamp, cpu_usage] pair.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("sample: expected 2 elements, got %d", len(pair))
	}
	ts, err := pair[0].Int64()
	if err != nil {
		return fmt.Errorf("sample timestamp: %w", err)
	}
	cpu, err := pair[1].Float64()
	if err != nil {
		return fmt.Errorf("sample cpu_usage: %w", err)
	}
	s.Timestamp, s.CPUUsage = ts, cpu
	return nil
}

// SampleStore persists CPU samples.
type SampleStore interface {
	// Insert stores a sample, replacing any sample with the same timestamp.
	Insert(ctx context.Context, s Sample) error
	// History returns up to limit samples, newest first.
	History(ctx context.Context, limit int) ([]Sample, error)
	// Latest returns the newest sample or ErrNotFound.
	Latest(ctx context.Context) (Sample, error)
	// DeleteBefore removes samples older than cutoff and returns how many went.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
