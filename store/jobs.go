package store

import (
	"context"
	"database/sql"
	"strings"
)

// Job is a durable record of one long-running operation.
type Job struct {
	ID         string      `json:"id"`
	Type       string      `json:"job_type"`
	Status     string      `json:"status"`
	Progress   JobProgress `json:"progress"`
	Options    string      `json:"options,omitempty"`
	CreatedBy  string      `json:"created_by,omitempty"`
	CreatedAt  string      `json:"created_at"`
	StartedAt  string      `json:"started_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
}

// JobProgress mirrors the per-status item counters on the jobs row.
type JobProgress struct {
	Total      int `json:"total_items"`
	Completed  int `json:"completed_items"`
	Failed     int `json:"failed_items"`
	Processing int `json:"processing_items"`
	Pending    int `json:"pending_items"`
	Skipped    int `json:"skipped_items"`
}

// JobItem is one unit of work inside a job.
type JobItem struct {
	ID           int64  `json:"id"`
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	InputRef     string `json:"input_ref"`
	ResultRef    string `json:"result_ref,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// CreateJob inserts a new job row together with its items in one
// transaction. The pending counters start at the item count.
func (s *Store) CreateJob(ctx context.Context, j Job, inputRefs []string) error {
	return s.InTx(ctx, func(t *Tx) error {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO jobs (id, job_type, status, total_items, pending_items, options, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.Type, j.Status, len(inputRefs), len(inputRefs),
			jsonOrEmpty(j.Options), nullable(j.CreatedBy))
		if err != nil {
			return err
		}
		for _, ref := range inputRefs {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO job_items (job_id, status, input_ref) VALUES (?, 'pending', ?)
			`, j.ID, ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddJobItems appends items to an existing job, growing the total and
// pending counters. Crawl-style jobs discover work after creation.
func (s *Store) AddJobItems(ctx context.Context, jobID string, inputRefs []string) error {
	if len(inputRefs) == 0 {
		return nil
	}
	return s.InTx(ctx, func(t *Tx) error {
		for _, ref := range inputRefs {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO job_items (job_id, status, input_ref) VALUES (?, 'pending', ?)
			`, jobID, ref); err != nil {
				return err
			}
		}
		_, err := t.tx.ExecContext(ctx, `
			UPDATE jobs SET total_items = total_items + ?, pending_items = pending_items + ?
			WHERE id = ?
		`, len(inputRefs), len(inputRefs), jobID)
		return err
	})
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, total_items, completed_items, failed_items,
		       processing_items, pending_items, skipped_items, options, created_by,
		       created_at, started_at, finished_at
		FROM jobs WHERE id = ?
	`, id))
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	query := `
		SELECT id, job_type, status, total_items, completed_items, failed_items,
		       processing_items, pending_items, skipped_items, options, created_by,
		       created_at, started_at, finished_at
		FROM jobs`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, f.Type)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit, 50), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// UpdateJobStatus persists a status change, stamping started_at on the move
// to running and finished_at on any terminal status. Transition legality is
// the registry's concern, not the store's.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string) error {
	return s.InTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE jobs SET
			    status = ?,
			    started_at = CASE WHEN ? = 'running'
			        THEN COALESCE(started_at, CURRENT_TIMESTAMP) ELSE started_at END,
			    finished_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled')
			        THEN COALESCE(finished_at, CURRENT_TIMESTAMP) ELSE finished_at END
			WHERE id = ?
		`, status, status, status, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ListJobItems returns a job's items, optionally filtered by status.
func (s *Store) ListJobItems(ctx context.Context, jobID, status string) ([]JobItem, error) {
	query := `
		SELECT id, job_id, status, input_ref, result_ref, error_message, started_at, finished_at
		FROM job_items WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobItem
	for rows.Next() {
		var it JobItem
		var result, errMsg, started, finished sql.NullString
		if err := rows.Scan(&it.ID, &it.JobID, &it.Status, &it.InputRef,
			&result, &errMsg, &started, &finished); err != nil {
			return nil, err
		}
		it.ResultRef = result.String
		it.ErrorMessage = errMsg.String
		it.StartedAt = started.String
		it.FinishedAt = finished.String
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateJobItem moves one item to a new status and recomputes the parent
// job's progress counters in the same transaction, so a concurrent GetJob
// never sees an item change without its counter change.
func (s *Store) UpdateJobItem(ctx context.Context, itemID int64, status, resultRef, errorMessage string) error {
	return s.InTx(ctx, func(t *Tx) error {
		var jobID string
		err := t.tx.QueryRowContext(ctx, `
			UPDATE job_items SET
			    status = ?,
			    result_ref = COALESCE(?, result_ref),
			    error_message = COALESCE(?, error_message),
			    started_at = CASE WHEN ? = 'processing'
			        THEN COALESCE(started_at, CURRENT_TIMESTAMP) ELSE started_at END,
			    finished_at = CASE WHEN ? IN ('completed', 'failed', 'skipped')
			        THEN COALESCE(finished_at, CURRENT_TIMESTAMP) ELSE finished_at END
			WHERE id = ?
			RETURNING job_id
		`, status, nullable(resultRef), nullable(errorMessage), status, status, itemID).Scan(&jobID)
		if err != nil {
			return err
		}
		return recomputeJobProgress(ctx, t, jobID)
	})
}

// SkipPendingJobItems marks every still-pending item of a job as skipped,
// recording why. Returns how many items were skipped.
func (s *Store) SkipPendingJobItems(ctx context.Context, jobID, reason string) (int64, error) {
	var skipped int64
	err := s.InTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE job_items SET status = 'skipped', error_message = ?, finished_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND status = 'pending'
		`, reason, jobID)
		if err != nil {
			return err
		}
		skipped, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return recomputeJobProgress(ctx, t, jobID)
	})
	return skipped, err
}

// MarkInterruptedJobs fails any job left running by a previous process,
// together with its in-flight items. Called once at engine startup.
func (s *Store) MarkInterruptedJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(t *Tx) error {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE job_items SET status = 'failed', error_message = 'interrupted by shutdown',
			    finished_at = CURRENT_TIMESTAMP
			WHERE status = 'processing'
			  AND job_id IN (SELECT id FROM jobs WHERE status = 'running')
		`); err != nil {
			return err
		}
		res, err := t.tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', finished_at = CURRENT_TIMESTAMP
			WHERE status = 'running'
		`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// RecomputeJobProgress rebuilds a job's counters from its item table.
// Item updates maintain the counters themselves; this reconciles after
// bulk changes.
func (s *Store) RecomputeJobProgress(ctx context.Context, jobID string) error {
	return s.InTx(ctx, func(t *Tx) error {
		return recomputeJobProgress(ctx, t, jobID)
	})
}

// recomputeJobProgress rebuilds the jobs row counters from the item table.
func recomputeJobProgress(ctx context.Context, t *Tx, jobID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET
		    completed_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = 'completed'),
		    failed_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = 'failed'),
		    processing_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = 'processing'),
		    pending_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = 'pending'),
		    skipped_items = (SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status = 'skipped')
		WHERE id = ?
	`, jobID, jobID, jobID, jobID, jobID, jobID)
	return err
}

func scanJob(row *sql.Row) (*Job, error) {
	j := &Job{}
	var options, createdBy, started, finished sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Progress.Total, &j.Progress.Completed,
		&j.Progress.Failed, &j.Progress.Processing, &j.Progress.Pending, &j.Progress.Skipped,
		&options, &createdBy, &j.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.Options = options.String
	j.CreatedBy = createdBy.String
	j.StartedAt = started.String
	j.FinishedAt = finished.String
	return j, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	j := &Job{}
	var options, createdBy, started, finished sql.NullString
	err := rows.Scan(&j.ID, &j.Type, &j.Status, &j.Progress.Total, &j.Progress.Completed,
		&j.Progress.Failed, &j.Progress.Processing, &j.Progress.Pending, &j.Progress.Skipped,
		&options, &createdBy, &j.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.Options = options.String
	j.CreatedBy = createdBy.String
	j.StartedAt = started.String
	j.FinishedAt = finished.String
	return j, nil
}
