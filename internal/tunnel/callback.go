// ABOUTME: Posts an agent's answer back to the hub's callback endpoint
// ABOUTME: Retries transient failures with backoff; 4xx responses are permanent

package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// Callback delivers answers to {baseURL}/{request_id}.
type Callback struct {
	baseURL      string
	client       *http.Client
	attempts     int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCallback creates a Callback. attempts below 1 means a single try.
func NewCallback(baseURL string, client *http.Client, attempts int, logger *slog.Logger) *Callback {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Callback{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		attempts:     attempts,
		initialDelay: 200 * time.Millisecond,
		maxDelay:     2 * time.Second,
		logger:       logger,
		sleep:        sleepContext,
	}
}

// Post sends answer for requestID, retrying transient failures.
func (c *Callback) Post(ctx context.Context, requestID string, answer []byte) error {
	backoff := NewBackoff(c.initialDelay, c.maxDelay, 0.5)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.postOnce(ctx, requestID, answer)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("callback succeeded after retry", "request_id", requestID, "attempt", attempt)
			}
			return nil
		}

		var permErr *permanentError
		if errors.As(err, &permErr) {
			return permErr.err
		}
		lastErr = err

		if attempt == c.attempts {
			break
		}

		delay := backoff.Next()
		c.logger.Debug("callback failed, retrying",
			"request_id", requestID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("callback cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("callback retries exhausted after %d attempts: %w", c.attempts, lastErr)
}

func (c *Callback) postOnce(ctx context.Context, requestID string, answer []byte) error {
	url := c.baseURL + "/" + requestID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(answer))
	if err != nil {
		return permanent(fmt.Errorf("creating callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("hub answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
