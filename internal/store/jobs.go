package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpdateJob writes the current state of a job. Every field except the run id,
// event index, and script content is overwritten.
func (s *Store) UpdateJob(ctx context.Context, job Job) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET state = ?, failure_kind = ?, error_message = ?, synth_attempts = ?,
            render_attempts = ?, audio_cached = ?, avatar_cached = ?, audio_path = ?,
            avatar_path = ?, duration = ?, updated_at = ?
         WHERE run_id = ? AND event_index = ?`,
		job.State, nullable(job.FailureKind), nullable(job.ErrorMessage), job.SynthAttempts,
		job.RenderAttempts, boolInt(job.AudioCached), boolInt(job.AvatarCached), nullable(job.AudioPath),
		nullable(job.AvatarPath), job.Duration, timestamp(time.Now()),
		job.RunID, job.EventIndex,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.EventIndex, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %d: %w", job.EventIndex, ErrNotFound)
	}
	if _, err := s.exec(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, timestamp(time.Now()), job.RunID); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// ListJobs returns the jobs of a run in event order.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, event_index, line, speaker, text, state, failure_kind, error_message,
            synth_attempts, render_attempts, audio_cached, avatar_cached, audio_path, avatar_path,
            duration, updated_at
         FROM jobs WHERE run_id = ? ORDER BY event_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			job                                         Job
			audioCached, avatarCached                   int
			kind, msg, audioPath, avatarPath, updatedAt sql.NullString
		)
		if err := rows.Scan(&job.RunID, &job.EventIndex, &job.Line, &job.Speaker, &job.Text, &job.State,
			&kind, &msg, &job.SynthAttempts, &job.RenderAttempts, &audioCached, &avatarCached,
			&audioPath, &avatarPath, &job.Duration, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.FailureKind = kind.String
		job.ErrorMessage = msg.String
		job.AudioCached = audioCached != 0
		job.AvatarCached = avatarCached != 0
		job.AudioPath = audioPath.String
		job.AvatarPath = avatarPath.String
		job.UpdatedAt = parseTime(updatedAt)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
