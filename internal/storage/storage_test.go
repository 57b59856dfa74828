package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapbench/internal/runner"
)

func records() []runner.TrialRecord {
	now := time.Now()
	return []runner.TrialRecord{
		{Index: 1, Outcome: runner.OutcomeSuccess, StartedAt: now, Duration: 800 * time.Millisecond},
		{Index: 2, Outcome: runner.OutcomeTimeout, StartedAt: now, Err: errors.New("not complete after 20s")},
		{Index: 3, Outcome: runner.OutcomeSuccess, StartedAt: now, Duration: 1200 * time.Millisecond},
		{Index: 4, Outcome: runner.OutcomeFailure, StartedAt: now, Err: errors.New("no such element")},
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewHistoryItem_Counts(t *testing.T) {
	item := NewHistoryItem(runner.Config{Name: "search", App: "com.example.shop", RunID: "r-9"}, records())

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "r-9", item.RunID)
	assert.Equal(t, 4, item.Trials)
	assert.Equal(t, 2, item.Success)
	assert.Equal(t, 1, item.Timeout)
	assert.Equal(t, 1, item.Fail)
	assert.InDelta(t, 1.0, item.Summary.Mean, 1e-9)
}

func TestStore_SaveListGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	var ids []string
	for _, app := range []string{"a", "b", "c"} {
		item := NewHistoryItem(runner.Config{Name: "cold", App: app}, records())
		require.NoError(t, s.SaveRun(ctx, item, records()))
		ids = append(ids, item.ID)
	}

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].App, "newest first")
	assert.Equal(t, "a", items[2].App)
	assert.Nil(t, items[0].Records)

	got, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, "b", got.App)
	require.Len(t, got.Records, 4)
	assert.Nil(t, got.Records[1].Seconds)
	assert.Equal(t, "timeout", got.Records[1].Outcome)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Prunes(t *testing.T) {
	s := openTemp(t)
	s.MaxItems = 2

	for _, app := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(NewHistoryItem(runner.Config{Name: "x", App: app}, nil)))
	}

	items, err := s.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].App)
	assert.Equal(t, "b", items[1].App)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(NewHistoryItem(runner.Config{Name: "x", App: "a"}, records())))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	items, err := s.List()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// Requires a reachable database; set TAPBENCH_TEST_DSN to run.
func TestPGStore_SaveRun(t *testing.T) {
	dsn := os.Getenv("TAPBENCH_TEST_DSN")
	if dsn == "" {
		t.Skip("TAPBENCH_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPG(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.Bootstrap(ctx), "schema is idempotent")

	item := NewHistoryItem(runner.Config{Name: "pg", App: "com.example.shop"}, records())
	require.NoError(t, s.SaveRun(ctx, item, records()))
}
