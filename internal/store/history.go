package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/webphone/internal/session"
)

// ErrNotFound is returned when a history entry does not exist.
var ErrNotFound = errors.New("store: not found")

// CallEntry is one row of call history.
type CallEntry struct {
	ID         int64         `json:"id"`
	CallID     uint64        `json:"callId"`
	Account    string        `json:"account"`
	Direction  string        `json:"direction"`
	Remote     string        `json:"remote"`
	StartedAt  time.Time     `json:"startedAt"`
	AnsweredAt *time.Time    `json:"answeredAt,omitempty"`
	EndedAt    time.Time     `json:"endedAt"`
	Duration   time.Duration `json:"duration"`
	EndStatus  int           `json:"endStatus"`
	EndedBy    string        `json:"endedBy"`
}

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	Account   string
	Direction string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// History records ended calls. It implements session.Recorder.
type History struct {
	db *DB
}

var _ session.Recorder = (*History)(nil)

// NewHistory creates a History on db.
func NewHistory(db *DB) *History {
	return &History{db: db}
}

// RecordCall inserts the history entry for an ended call.
func (h *History) RecordCall(ctx context.Context, rec session.CallRecord) error {
	var answered int64
	if !rec.AnsweredAt.IsZero() {
		answered = rec.AnsweredAt.UnixMilli()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO call_history (call_id, account, direction, remote, started_at,
		 answered_at, ended_at, duration_ms, end_status, ended_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.CallID), rec.Account, rec.Direction, rec.Remote,
		rec.StartedAt.UnixMilli(), answered, rec.EndedAt.UnixMilli(),
		rec.Duration.Milliseconds(), rec.EndStatus, rec.EndedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting call history: %w", err)
	}
	return nil
}

const historyColumns = `id, call_id, account, direction, remote, started_at,
	 answered_at, ended_at, duration_ms, end_status, ended_by`

// Get returns the entry with id.
func (h *History) Get(ctx context.Context, id int64) (*CallEntry, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM call_history WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	return e, nil
}

// List returns entries matching filter, newest first, along with the total
// count of matching rows.
func (h *History) List(ctx context.Context, filter HistoryFilter) ([]CallEntry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Account != "" {
		where += " AND account = ?"
		args = append(args, filter.Account)
	}
	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if !filter.Since.IsZero() {
		where += " AND started_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		where += " AND started_at <= ?"
		args = append(args, filter.Until.UnixMilli())
	}

	var total int
	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM call_history WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call history: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + historyColumns + ` FROM call_history WHERE ` + where +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call history: %w", err)
	}
	defer rows.Close()

	entries := []CallEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning call history row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call history rows: %w", err)
	}
	return entries, total, nil
}

// CountByDirection returns the number of recorded calls per direction.
func (h *History) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_history GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call history by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[dir] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating direction counts: %w", err)
	}
	return counts, nil
}

// Prune deletes entries that started before cutoff and returns how many
// were removed.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning call history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*CallEntry, error) {
	var (
		e                        CallEntry
		callID                   int64
		started, answered, ended int64
		durationMs               int64
	)
	if err := s.Scan(&e.ID, &callID, &e.Account, &e.Direction, &e.Remote,
		&started, &answered, &ended, &durationMs, &e.EndStatus, &e.EndedBy); err != nil {
		return nil, err
	}
	e.CallID = uint64(callID)
	e.StartedAt = time.UnixMilli(started)
	e.EndedAt = time.UnixMilli(ended)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	if answered != 0 {
		t := time.UnixMilli(answered)
		e.AnsweredAt = &t
	}
	return &e, nil
}
