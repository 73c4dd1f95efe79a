// ABOUTME: Tests for SQLite sample store implementation
// ABOUTME: Covers schema creation, ordering and limiting, latest lookup, and expiry

package store

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
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stats.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "stats.db")

	s, err := NewSQLiteStore(dbPath, logging.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestHistory_NewestFirstAndLimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.Insert(ctx, Sample{Timestamp: 1000 + i, CPUUsage: float64(i)}))
	}

	got, err := s.History(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Timestamp: 1010, CPUUsage: 10},
		{Timestamp: 1009, CPUUsage: 9},
		{Timestamp: 1008, CPUUsage: 8},
	}, got)
}

func TestHistory_Empty(t *testing.T) {
	s := newTestStore(t)

	got, err := s.History(context.Background(), 500)
	require.NoError(t, err)
	assert.Empty(t, got)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data), "empty history encodes as an empty array")
}

func TestInsert_ReplacesSameTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, Sample{Timestamp: 5, CPUUsage: 1}))
	require.NoError(t, s.Insert(ctx, Sample{Timestamp: 5, CPUUsage: 2}))

	got, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Timestamp: 5, CPUUsage: 2}}, got)
}

func TestLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Insert(ctx, Sample{Timestamp: 10, CPUUsage: 3.5}))
	require.NoError(t, s.Insert(ctx, Sample{Timestamp: 20, CPUUsage: 7.25}))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, Sample{Timestamp: 20, CPUUsage: 7.25}, latest)
}

func TestDeleteBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.Insert(ctx, Sample{Timestamp: now.Add(-48 * time.Hour).Unix(), CPUUsage: 1}))
	require.NoError(t, s.Insert(ctx, Sample{Timestamp: now.Add(-25 * time.Hour).Unix(), CPUUsage: 2}))
	require.NoError(t, s.Insert(ctx, Sample{Timestamp: now.Add(-time.Hour).Unix(), CPUUsage: 3}))

	n, err := s.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, float64(3), got[0].CPUUsage)
}

func TestSample_JSONPair(t *testing.T) {
	data, err := json.Marshal([]Sample{{Timestamp: 1700000000, CPUUsage: 12.5}})
	require.NoError(t, err)
	assert.JSONEq(t, `[[1700000000,12.5]]`, string(data))

	var back []Sample
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []Sample{{Timestamp: 1700000000, CPUUsage: 12.5}}, back)

	var bad Sample
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &bad))
}

func TestSample_Time(t *testing.T) {
	assert.True(t, Sample{Timestamp: 60}.Time().Equal(time.Unix(60, 0)))
}
