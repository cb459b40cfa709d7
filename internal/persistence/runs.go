package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-tman/internal/tman"
)

type Run struct {
	ID                string     `json:"id"`
	ConfigFingerprint string     `json:"config_fingerprint"`
	TickIntervalMS    int        `json:"tick_interval_ms"`
	TaskCount         int        `json:"task_count"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	FinalTick         uint64     `json:"final_tick"`
}

// DeadlineEvent is a persisted miss or watchdog overrun.
type DeadlineEvent struct {
	Task      string    `json:"task"`
	Kind      string    `json:"kind"`
	Tick      uint64    `json:"tick"`
	Misses    uint64    `json:"misses"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	KindMiss    = "miss"
	KindOverrun = "overrun"
)

// StartRun inserts a run row and returns its ID.
func (s *Store) StartRun(ctx context.Context, fingerprint string, tickIntervalMS, taskCount int) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, config_fingerprint, tick_interval_ms, task_count, started_at)
			VALUES (?, ?, ?, ?, ?);`,
			id, fingerprint, tickIntervalMS, taskCount, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end time and the last framework tick of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, finalTick uint64) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx,
			`UPDATE runs SET ended_at = ?, final_tick = ? WHERE id = ?;`,
			time.Now().UTC(), finalTick, runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (Run, error) {
	var r Run
	var ended sql.NullTime
	if err := scan(&r.ID, &r.ConfigFingerprint, &r.TickIntervalMS, &r.TaskCount, &r.StartedAt, &ended, &r.FinalTick); err != nil {
		return r, err
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}

const runColumns = `id, config_fingerprint, tick_interval_ms, task_count, started_at, ended_at, final_tick`

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return r, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSnapshot stores the stats of every task at tick in one transaction.
func (s *Store) RecordSnapshot(ctx context.Context, runID string, tick uint64, stats []tman.TaskStats) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO task_stats (run_id, tick, task, period, phase, deadline, predecessor,
				activations, deadline_misses, last_activation_tick)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, st := range stats {
			if _, err := stmt.ExecContext(ctx, runID, tick, st.Name,
				st.Attributes.Period, st.Attributes.Phase, st.Attributes.Deadline, st.Attributes.Predecessor,
				st.Activations, st.DeadlineMisses, st.LastActivationTick,
			); err != nil {
				return fmt.Errorf("insert stats for %q: %w", st.Name, err)
			}
		}
		return tx.Commit()
	})
}

// LatestSnapshot returns the most recent stats snapshot of a run, in
// registration order.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (uint64, []tman.TaskStats, error) {
	var tick sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(tick) FROM task_stats WHERE run_id = ?;`, runID,
	).Scan(&tick); err != nil {
		return 0, nil, fmt.Errorf("latest snapshot tick: %w", err)
	}
	if !tick.Valid {
		return 0, nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task, period, phase, deadline, predecessor, activations, deadline_misses, last_activation_tick
		FROM task_stats WHERE run_id = ? AND tick = ? ORDER BY id;`, runID, tick.Int64)
	if err != nil {
		return 0, nil, fmt.Errorf("latest snapshot: %w", err)
	}
	defer rows.Close()

	var out []tman.TaskStats
	for rows.Next() {
		var st tman.TaskStats
		if err := rows.Scan(&st.Name, &st.Attributes.Period, &st.Attributes.Phase, &st.Attributes.Deadline,
			&st.Attributes.Predecessor, &st.Activations, &st.DeadlineMisses, &st.LastActivationTick); err != nil {
			return 0, nil, fmt.Errorf("scan snapshot: %w", err)
		}
		st.Attributed = true
		st.Activated = st.Activations > 0
		out = append(out, st)
	}
	return uint64(tick.Int64), out, rows.Err()
}

// RecordDeadlineEvent stores a miss or overrun of task.
func (s *Store) RecordDeadlineEvent(ctx context.Context, runID string, ev DeadlineEvent) error {
	if ev.Kind != KindMiss && ev.Kind != KindOverrun {
		return fmt.Errorf("unknown deadline event kind %q", ev.Kind)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO deadline_events (run_id, task, kind, tick, misses) VALUES (?, ?, ?, ?, ?);`,
			runID, ev.Task, ev.Kind, ev.Tick, ev.Misses,
		)
		return err
	})
}

// ListDeadlineEvents returns the events of a run, oldest first.
func (s *Store) ListDeadlineEvents(ctx context.Context, runID string, limit int) ([]DeadlineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task, kind, tick, misses, created_at FROM deadline_events
		WHERE run_id = ? ORDER BY id LIMIT ?;`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deadline events: %w", err)
	}
	defer rows.Close()

	var out []DeadlineEvent
	for rows.Next() {
		var ev DeadlineEvent
		if err := rows.Scan(&ev.Task, &ev.Kind, &ev.Tick, &ev.Misses, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deadline event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneRuns deletes finished runs that started more than keepDays ago,
// together with their snapshots and events. keepDays <= 0 keeps everything.
func (s *Store) PruneRuns(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE ended_at IS NOT NULL AND started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
