package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = `id, script_path, script_hash, scene, layout, quality, status, partial,
    event_count, failed_count, output_path, error_kind, error_message,
    created_at, updated_at, finished_at`

// CreateRun inserts a new running run together with its pending jobs.
func (s *Store) CreateRun(ctx context.Context, run Run, jobs []Job) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, script_path, script_hash, scene, layout, quality, status, partial,
                event_count, failed_count, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			run.ID, nullable(run.ScriptPath), run.ScriptHash, run.Scene, run.Layout, run.Quality,
			string(run.Status), boolInt(run.Partial), len(jobs),
			timestamp(run.CreatedAt), timestamp(now),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO jobs (run_id, event_index, line, speaker, text, state, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare job insert: %w", err)
		}
		defer stmt.Close()
		for _, job := range jobs {
			if _, err := stmt.ExecContext(ctx, run.ID, job.EventIndex, job.Line, job.Speaker, job.Text, job.State, timestamp(now)); err != nil {
				return fmt.Errorf("insert job %d: %w", job.EventIndex, err)
			}
		}
		return tx.Commit()
	})
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`UPDATE runs SET status = ?, partial = ?, failed_count = ?, output_path = ?, error_kind = ?,
            error_message = ?, updated_at = ?, finished_at = ?
         WHERE id = ?`,
		string(run.Status), boolInt(run.Partial), run.FailedCount, nullable(run.OutputPath),
		nullable(run.ErrorKind), nullable(run.ErrorMessage), timestamp(now), timestamp(now), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// MarkInterrupted flags runs left running by a process that exited without
// finishing them. It returns the number of runs updated.
func (s *Store) MarkInterrupted(ctx context.Context, olderThan time.Time) (int64, error) {
	now := timestamp(time.Now())
	res, err := s.exec(ctx,
		`UPDATE runs SET status = ?, error_message = 'process exited before the run finished',
            updated_at = ?, finished_at = ?
         WHERE status = ? AND updated_at < ?`,
		string(RunInterrupted), now, now, string(RunRunning), timestamp(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// GetRun returns the run whose id equals or uniquely starts with idOrPrefix.
func (s *Store) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, ErrNotFound
	}
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if len(runs) == 1 {
		return &runs[0], nil
	}
	runs, err = s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`,
		escapeLike(idOrPrefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrPrefix)
	case 1:
		return &runs[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", idOrPrefix)
	}
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
}

// DeleteRunsBefore removes finished runs created before cutoff, with their jobs.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM runs WHERE status != ? AND created_at < ?`, string(RunRunning), timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var (
			run                              Run
			status                           string
			partial                          int
			scriptPath, output, kind, msg    sql.NullString
			createdAt, updatedAt, finishedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &scriptPath, &run.ScriptHash, &run.Scene, &run.Layout, &run.Quality,
			&status, &partial, &run.EventCount, &run.FailedCount, &output, &kind, &msg,
			&createdAt, &updatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = RunStatus(status)
		run.Partial = partial != 0
		run.ScriptPath = scriptPath.String
		run.OutputPath = output.String
		run.ErrorKind = kind.String
		run.ErrorMessage = msg.String
		run.CreatedAt = parseTime(createdAt)
		run.UpdatedAt = parseTime(updatedAt)
		run.FinishedAt = parseTime(finishedAt)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(value)
}
