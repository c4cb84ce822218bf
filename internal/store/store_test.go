package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webphone/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err, "database file was not created")

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	for _, table := range []string{"schema_migrations", "call_history"} {
		var count int
		require.NoError(t, db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count))
		assert.Equal(t, 1, count, "table %s", table)
	}

	var migrations int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrations))
	assert.Equal(t, 1, migrations)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir, nil)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dir, nil)
	require.NoError(t, err)
	db2.Close()
}

func TestHistory_RecordAndList(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(openTestDB(t))

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	answered := base.Add(5 * time.Second)
	require.NoError(t, h.RecordCall(ctx, session.CallRecord{
		CallID:     1,
		Account:    "sip:alice@example.com",
		Direction:  "outbound",
		Remote:     "sip:bob@example.com",
		StartedAt:  base,
		AnsweredAt: answered,
		EndedAt:    answered.Add(time.Minute),
		Duration:   time.Minute,
		EndStatus:  200,
		EndedBy:    "local",
	}))
	require.NoError(t, h.RecordCall(ctx, session.CallRecord{
		CallID:    2,
		Account:   "sip:alice@example.com",
		Direction: "inbound",
		Remote:    "carol",
		StartedAt: base.Add(time.Hour),
		EndedAt:   base.Add(time.Hour + 10*time.Second),
		EndStatus: 487,
		EndedBy:   "remote",
	}))
	require.NoError(t, h.RecordCall(ctx, session.CallRecord{
		CallID:    3,
		Account:   "sip:dave@example.com",
		Direction: "inbound",
		Remote:    "erin",
		StartedAt: base.Add(2 * time.Hour),
		EndedAt:   base.Add(2*time.Hour + time.Second),
		EndStatus: 486,
		EndedBy:   "local",
	}))

	all, total, err := h.List(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].CallID, "newest first")

	oldest := all[2]
	assert.Equal(t, "sip:bob@example.com", oldest.Remote)
	assert.Equal(t, time.Minute, oldest.Duration)
	require.NotNil(t, oldest.AnsweredAt)
	assert.True(t, oldest.AnsweredAt.Equal(answered))
	assert.True(t, oldest.StartedAt.Equal(base))
	assert.Nil(t, all[1].AnsweredAt)

	inbound, total, err := h.List(ctx, HistoryFilter{Direction: "inbound"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, inbound, 2)

	alice, total, err := h.List(ctx, HistoryFilter{Account: "sip:alice@example.com", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, alice, 1)
	assert.Equal(t, uint64(2), alice[0].CallID)

	page, _, err := h.List(ctx, HistoryFilter{Account: "sip:alice@example.com", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(1), page[0].CallID)

	counts, err := h.CountByDirection(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"inbound": 2, "outbound": 1}, counts)

	window, total, err := h.List(ctx, HistoryFilter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, window, 1)
	assert.Equal(t, "carol", window[0].Remote)
}

func TestHistory_Get(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(openTestDB(t))

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, h.RecordCall(ctx, session.CallRecord{
		CallID:    9,
		Direction: "outbound",
		StartedAt: now,
		EndedAt:   now,
		EndStatus: 408,
		EndedBy:   "remote",
	}))

	list, _, err := h.List(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := h.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 408, got.EndStatus)
	assert.Equal(t, "remote", got.EndedBy)

	_, err = h.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory_Prune(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(openTestDB(t))

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	for i, ts := range []time.Time{old, old, recent} {
		require.NoError(t, h.RecordCall(ctx, session.CallRecord{
			CallID:    uint64(i),
			Direction: "inbound",
			StartedAt: ts,
			EndedAt:   ts,
		}))
	}

	n, err := h.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, total, err := h.List(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestHistory_ListEmpty(t *testing.T) {
	entries, total, err := NewHistory(openTestDB(t)).List(context.Background(), HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
