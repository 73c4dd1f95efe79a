// ABOUTME: Tests for CPU parsing, the sampler and expirer loops, and the command provider
// ABOUTME: Uses a real SQLite store in a temp dir and a fake proc mount

package stats

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/logging"
	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/store"
)

const procStatSample = `cpu  100 0 100 700 100 0 0 0 0 0
cpu0 50 0 50 350 50 0 0 0 0 0
cpu1 50 0 50 350 50 0 0 0 0 0
intr 12345
ctxt 6789
btime 1700000000
`

// writeProcStat lays out a fake proc mount holding content as its stat file.
func writeProcStat(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0644))
	return dir
}

// scriptedReader returns readings in order, repeating the last one.
func scriptedReader(readings ...CPUTimes) CPUReader {
	var i int
	return func() (CPUTimes, error) {
		r := readings[i]
		if i < len(readings)-1 {
			i++
		}
		return r, nil
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cpu_stats.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcReader(t *testing.T) {
	read, err := NewProcReader(writeProcStat(t, procStatSample))
	require.NoError(t, err)

	times, err := read()
	require.NoError(t, err)
	// procfs reports seconds at USER_HZ=100
	assert.InDelta(t, 10.0, times.Total, 0.0001)
	assert.InDelta(t, 8.0, times.Idle, 0.0001)
	assert.InDelta(t, 2.0, times.Busy(), 0.0001)
}

func TestProcReader_Errors(t *testing.T) {
	tests := map[string]string{
		"no cpu line":  "intr 1\nctxt 2\n",
		"non numeric":  "cpu a b c d e\n",
		"empty string": "",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			read, err := NewProcReader(writeProcStat(t, content))
			require.NoError(t, err)
			_, err = read()
			assert.Error(t, err)
		})
	}
}

func TestProcReader_MissingMount(t *testing.T) {
	_, err := NewProcReader(filepath.Join(t.TempDir(), "no-proc-here"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCPUUnavailable)
}

func TestUsagePercent(t *testing.T) {
	prev := CPUTimes{Idle: 800, Total: 1000}

	assert.InDelta(t, 20.0, UsagePercent(CPUTimes{}, prev), 0.001, "since boot")
	assert.InDelta(t, 50.0, UsagePercent(prev, CPUTimes{Idle: 850, Total: 1100}), 0.001)
	assert.Equal(t, 0.0, UsagePercent(prev, prev), "no elapsed jiffies")
	assert.Equal(t, 0.0, UsagePercent(prev, CPUTimes{Idle: 10, Total: 20}), "counter reset")
}

func TestSampler_SampleOnce(t *testing.T) {
	s := newTestStore(t)
	sampler := NewSampler(s, scriptedReader(
		CPUTimes{Idle: 8, Total: 10},
		CPUTimes{Idle: 8.5, Total: 11},
	), time.Second, logging.Discard())

	clock := time.Unix(1_700_000_000, 0)
	sampler.now = func() time.Time {
		clock = clock.Add(5 * time.Second)
		return clock
	}

	ctx := context.Background()
	first, err := sampler.SampleOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, first.CPUUsage, 0.001)

	second, err := sampler.SampleOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, second.CPUUsage, 0.001)

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.Timestamp, history[0].Timestamp)
}

func TestSampler_RunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	read, err := NewProcReader(writeProcStat(t, procStatSample))
	require.NoError(t, err)
	sampler := NewSampler(s, read, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sampler.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := s.Latest(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not stop")
	}
}

func TestExpirer_ExpireOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.Insert(ctx, store.Sample{Timestamp: now.Add(-25 * time.Hour).Unix(), CPUUsage: 1}))
	require.NoError(t, s.Insert(ctx, store.Sample{Timestamp: now.Add(-time.Minute).Unix(), CPUUsage: 2}))

	exp := NewExpirer(s, 24*time.Hour, time.Minute, logging.Discard())
	exp.now = func() time.Time { return now }

	n, err := exp.ExpireOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestProvider_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, s.Insert(ctx, store.Sample{Timestamp: ts, CPUUsage: float64(ts) * 1.5}))
	}

	p := NewProvider(s, 3)
	answer, err := p.Answer(ctx, protocol.NewCommand("c1", protocol.ActionHistory))
	require.NoError(t, err)
	assert.JSONEq(t, `[[5,7.5],[4,6],[3,4.5]]`, string(answer))
}

func TestProvider_Snapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := NewProvider(s, 0)

	_, err := p.Answer(ctx, protocol.NewCommand("c1", protocol.ActionSnapshot))
	assert.ErrorIs(t, err, ErrNoData)

	require.NoError(t, s.Insert(ctx, store.Sample{Timestamp: 42, CPUUsage: 12.5}))

	answer, err := p.Answer(ctx, protocol.NewCommand("c2", protocol.ActionSnapshot))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(answer, &snap))
	assert.Equal(t, Snapshot{CPU: 12.5, Timestamp: 42}, snap)
}

func TestProvider_UnsupportedAction(t *testing.T) {
	p := NewProvider(newTestStore(t), 10)

	_, err := p.Answer(context.Background(), protocol.Command{RequestID: "c1", Action: "reboot"})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}
