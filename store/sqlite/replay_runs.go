package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// REPLAY RUN STORE - Outbox replay audit trail
// =============================================================================

// ReplayRun records one pass of the stock-move outbox replay.
type ReplayRun struct {
	ID          string
	TriggeredBy string // scheduler, manual
	Status      string // running, completed, failed
	Drained     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveReplayRun upserts a replay run.
func (s *Store) SaveReplayRun(ctx context.Context, r ReplayRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO replay_runs (id, triggered_by, status, drained, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			drained = excluded.drained,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := formatTime(*r.CompletedAt)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TriggeredBy, r.Status, r.Drained, nullString(r.Error),
		formatTime(r.StartedAt), completedAt,
	)
	return err
}

// GetReplayRuns returns the most recent replay runs, newest first.
// A status filters the result; limit <= 0 means 100.
func (s *Store) GetReplayRuns(ctx context.Context, status string, limit int) ([]ReplayRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, triggered_by, status, drained, error, started_at, completed_at
		FROM replay_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReplayRun
	for rows.Next() {
		var r ReplayRun
		var errText, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.TriggeredBy, &r.Status, &r.Drained, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("replay run %s: %w", r.ID, err)
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("replay run %s: %w", r.ID, err)
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
