// ABOUTME: Background loops that record CPU samples and expire old ones
// ABOUTME: Both run until their context is cancelled and log, never abort, on failure

package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/burrow/internal/store"
)

// Sampler records CPU usage into a store at a fixed interval.
type Sampler struct {
	store    store.SampleStore
	interval time.Duration
	logger   *slog.Logger

	read CPUReader
	now  func() time.Time
	prev CPUTimes
}

// NewSampler creates a Sampler that reads CPU times with read and writes to s
// every interval.
func NewSampler(s store.SampleStore, read CPUReader, interval time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{
		store:    s,
		interval: interval,
		logger:   logger.With("component", "sampler"),
		read:     read,
		now:      time.Now,
	}
}

// SampleOnce takes one reading and stores it.
func (s *Sampler) SampleOnce(ctx context.Context) (store.Sample, error) {
	cur, err := s.read()
	if err != nil {
		return store.Sample{}, fmt.Errorf("reading cpu times: %w", err)
	}

	sample := store.Sample{
		Timestamp: s.now().Unix(),
		CPUUsage:  UsagePercent(s.prev, cur),
	}
	s.prev = cur

	if err := s.store.Insert(ctx, sample); err != nil {
		return store.Sample{}, err
	}
	return sample, nil
}

// Run samples immediately and then every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if sample, err := s.SampleOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("cpu sample failed", "error", err)
		} else {
			s.logger.Debug("cpu sample recorded", "cpu", sample.CPUUsage, "timestamp", sample.Timestamp)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Expirer deletes samples older than a retention window.
type Expirer struct {
	store     store.SampleStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewExpirer creates an Expirer that runs every interval.
func NewExpirer(s store.SampleStore, retention, interval time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		store:     s,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "expirer"),
		now:       time.Now,
	}
}

// ExpireOnce removes samples older than the retention window.
func (e *Expirer) ExpireOnce(ctx context.Context) (int64, error) {
	return e.store.DeleteBefore(ctx, e.now().Add(-e.retention))
}

// Run expires immediately and then every interval until ctx is done.
func (e *Expirer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		n, err := e.ExpireOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			e.logger.Warn("expiring samples failed", "error", err)
		case n > 0:
			e.logger.Debug("expired samples", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
