package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hearth-home/hearth/internal/constants"
)

// ErrStatusRegression indicates an attempt to move a job backwards through
// its lifecycle (for example running back to pending).
var ErrStatusRegression = errors.New("store: job status regression")

const jobColumns = `id, plugin_name, install_type, payload, status, error,
	created_at, started_at, finished_at`

func scanJob(scan func(dest ...any) error) (InstallJob, error) {
	var (
		j          InstallJob
		payloadRaw string
		started    sql.NullString
		finished   sql.NullString
	)
	err := scan(&j.ID, &j.PluginName, &j.InstallType, &payloadRaw,
		&j.Status, &j.Error, &j.CreatedAt, &started, &finished)
	if err != nil {
		return InstallJob{}, err
	}
	j.StartedAt = stringPtr(started)
	j.FinishedAt = stringPtr(finished)
	if j.Payload, err = DecodeJSON[map[string]any](payloadRaw); err != nil {
		return InstallJob{}, err
	}
	return j, nil
}

// InsertJob persists a new install job in pending status.
func (s *Store) InsertJob(ctx context.Context, j InstallJob) error {
	payload, err := encodeJSON(j.Payload)
	if err != nil {
		return err
	}
	if j.Status == "" {
		j.Status = constants.JobStatusPending
	}
	if j.CreatedAt == "" {
		j.CreatedAt = nowTimestamp()
	}

	return s.withWriteTx(ctx, "insert job", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO install_jobs
			(id, plugin_name, install_type, payload, status, error, created_at, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.PluginName, j.InstallType, payload, j.Status, j.Error,
			j.CreatedAt, nullableString(j.StartedAt), nullableString(j.FinishedAt))
		if err != nil {
			return fmt.Errorf("store: insert job: %w", err)
		}
		return nil
	})
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (InstallJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM install_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return InstallJob{}, NotFoundError{Entity: "install job", Key: id}
	}
	if err != nil {
		return InstallJob{}, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]InstallJob, error) {
	scan := func(rows *sql.Rows) (InstallJob, error) { return scanJob(rows.Scan) }
	jobs, err := scanList(ctx, s.db, scan,
		`SELECT `+jobColumns+` FROM install_jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsForPlugin returns all jobs for a plugin name, newest first.
func (s *Store) ListJobsForPlugin(ctx context.Context, pluginName string) ([]InstallJob, error) {
	scan := func(rows *sql.Rows) (InstallJob, error) { return scanJob(rows.Scan) }
	jobs, err := scanList(ctx, s.db, scan,
		`SELECT `+jobColumns+` FROM install_jobs WHERE plugin_name = ? ORDER BY created_at DESC, id DESC`,
		pluginName)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs for plugin: %w", err)
	}
	return jobs, nil
}

// ActiveJobForPlugin returns the non-terminal job for a plugin, if one exists.
func (s *Store) ActiveJobForPlugin(ctx context.Context, pluginName string) (InstallJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM install_jobs
		 WHERE plugin_name = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		pluginName, constants.JobStatusPending, constants.JobStatusSent, constants.JobStatusRunning)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return InstallJob{}, NotFoundError{Entity: "active install job", Key: pluginName}
	}
	if err != nil {
		return InstallJob{}, fmt.Errorf("store: active job for plugin: %w", err)
	}
	return j, nil
}

// UpdateJobStatus advances a job's status. Transitions only move forward:
// pending, sent, running, then one terminal status. Terminal jobs never
// change again, and timestamps are stamped on first entry into running and
// into a terminal state.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status, reason string) error {
	newRank := constants.JobStatusRank(status)
	if newRank < 0 {
		return fmt.Errorf("store: update job status: unknown status %q", status)
	}

	return s.withWriteTx(ctx, "update job status", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM install_jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError{Entity: "install job", Key: id}
		}
		if err != nil {
			return fmt.Errorf("store: update job status: %w", err)
		}

		if constants.JobStatusRank(current) >= newRank || constants.JobStatusTerminal(current) {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, status)
		}

		now := nowTimestamp()
		query := `UPDATE install_jobs SET status = ?, error = ?`
		args := []any{status, reason}
		if status == constants.JobStatusRunning {
			query += `, started_at = ?`
			args = append(args, now)
		}
		if constants.JobStatusTerminal(status) {
			query += `, finished_at = ?`
			args = append(args, now)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: update job status: %w", err)
		}
		return nil
	})
}
