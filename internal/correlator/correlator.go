// ABOUTME: Table of in-flight requests awaiting an out-of-band answer from an agent.
// ABOUTME: Each entry is a single-shot signal; a sweeper expires entries nobody awaited.

package correlator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownCorrelationID is returned when no pending entry exists for an id.
var ErrUnknownCorrelationID = errors.New("unknown correlation id")

// ErrTimeout is returned by Await when no answer arrives within the bound.
var ErrTimeout = errors.New("timed out waiting for answer")

const (
	defaultPendingTTL  = 60 * time.Second
	defaultSettledSize = 4096
)

// Options tunes a Correlator. Zero values fall back to defaults.
type Options struct {
	// PendingTTL bounds how long an entry may live without being awaited.
	PendingTTL time.Duration
	// SweepInterval is how often expired entries are removed. Defaults to PendingTTL/2.
	SweepInterval time.Duration
	// SettledSize bounds how many recently settled ids are remembered.
	SettledSize int
	// NewID generates correlation ids. Defaults to random UUIDs.
	NewID func() string
}

type pending struct {
	answer    chan []byte
	created   time.Time
	completed bool
}

type settledEntry struct {
	id string
	at time.Time
}

// Correlator pairs outbound commands with their eventual answers.
type Correlator struct {
	mu      sync.RWMutex
	pending map[string]*pending

	// recently settled ids, oldest at front, used to tell late callbacks
	// apart from ids that never existed
	settled     map[string]*list.Element
	settledList *list.List

	ttl         time.Duration
	settledSize int
	newID       func() string
	logger      *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Correlator and starts its sweeper. Call Close to stop it.
func New(opts Options, logger *slog.Logger) *Correlator {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.PendingTTL / 2
	}
	if opts.SettledSize <= 0 {
		opts.SettledSize = defaultSettledSize
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Correlator{
		pending:     make(map[string]*pending),
		settled:     make(map[string]*list.Element),
		settledList: list.New(),
		ttl:         opts.PendingTTL,
		settledSize: opts.SettledSize,
		newID:       opts.NewID,
		logger:      logger.With("component", "correlator"),
		done:        make(chan struct{}),
	}
	go c.sweep(opts.SweepInterval)
	return c
}

// Begin creates a waiting entry under a fresh id and returns the id.
func (c *Correlator) Begin() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		id := c.newID()
		if _, exists := c.pending[id]; exists {
			continue
		}
		c.pending[id] = &pending{
			answer:  make(chan []byte, 1),
			created: time.Now(),
		}
		return id
	}
}

// Complete attaches answer to the pending entry for id and wakes its waiter.
// Late, duplicate and unknown ids fail with ErrUnknownCorrelationID.
func (c *Correlator) Complete(id string, answer []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		if _, late := c.settled[id]; late {
			return fmt.Errorf("%w: %s already settled", ErrUnknownCorrelationID, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknownCorrelationID, id)
	}
	if p.completed {
		return fmt.Errorf("%w: %s already completed", ErrUnknownCorrelationID, id)
	}

	p.completed = true
	p.answer <- answer
	return nil
}

// Await blocks until id is completed, timeout elapses, or ctx is done.
// The entry is removed on return whatever the outcome.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	p, ok := c.pending[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelationID, id)
	}
	defer c.remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-p.answer:
		return answer, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.markSettledLocked(id, time.Now())
	}
}

// markSettledLocked must be called with mu held.
func (c *Correlator) markSettledLocked(id string, at time.Time) {
	if el, ok := c.settled[id]; ok {
		c.settledList.Remove(el)
	}
	c.settled[id] = c.settledList.PushBack(settledEntry{id: id, at: at})

	for c.settledList.Len() > c.settledSize {
		front := c.settledList.Front()
		entry, _ := front.Value.(settledEntry)
		c.settledList.Remove(front)
		delete(c.settled, entry.id)
	}
}

func (c *Correlator) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire(time.Now())
		case <-c.done:
			return
		}
	}
}

// expire removes pending entries older than the TTL and forgets settled ids
// older than the TTL.
func (c *Correlator) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.pending {
		if now.Sub(p.created) <= c.ttl {
			continue
		}
		delete(c.pending, id)
		c.markSettledLocked(id, now)
		c.logger.Warn("expired pending request that was never awaited",
			"request_id", id,
			"age", now.Sub(p.created),
			"completed", p.completed,
		)
	}

	for front := c.settledList.Front(); front != nil; front = c.settledList.Front() {
		entry, _ := front.Value.(settledEntry)
		if now.Sub(entry.at) <= c.ttl {
			break
		}
		c.settledList.Remove(front)
		delete(c.settled, entry.id)
	}
}
