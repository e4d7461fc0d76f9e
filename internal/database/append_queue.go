package database

import (
	"context"
	"fmt"
	"time"

	"enlist/internal/models"
)

func (d *DB) CreateAppendTask(ctx context.Context, task *models.AppendTask) error {
	query := `INSERT INTO append_queue (run_id, event_url, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := d.db.ExecContext(ctx, query,
		task.RunID,
		task.EventURL,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create append task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now

	return nil
}

func (d *DB) GetPendingAppendTasks(ctx context.Context, limit int) ([]models.AppendTask, error) {
	query := `SELECT id, run_id, event_url, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM append_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := d.db.QueryContext(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending append tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AppendTask
	for rows.Next() {
		var t models.AppendTask
		err := rows.Scan(
			&t.ID, &t.RunID, &t.EventURL, &t.Payload, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan append task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimAppendTask flips a deliverable task to 'processing' so exactly one
// delivery path works it; the queued copy and the polled copy of the same
// row race on this update and only one wins.
func (d *DB) ClaimAppendTask(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE append_queue SET status = 'processing'
              WHERE id = ? AND status IN ('pending', 'retry')
                AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	result, err := d.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim append task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n > 0, nil
}

// RequeueStaleAppendTasks returns 'processing' rows to 'pending'. Called on
// worker startup: a claim that never reached a terminal status means the
// previous process died mid-delivery.
func (d *DB) RequeueStaleAppendTasks(ctx context.Context) (int64, error) {
	result, err := d.db.ExecContext(ctx, `UPDATE append_queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale append tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read requeue result: %w", err)
	}
	return n, nil
}

func (d *DB) UpdateAppendTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now()

	switch status {
	case "retry":
		query = `UPDATE append_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	case "completed", "failed":
		query = `UPDATE append_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, &now, id}
	default:
		query = `UPDATE append_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	}

	_, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update append task status: %w", err)
	}
	return nil
}

func (d *DB) GetFailedAppendTasks(ctx context.Context) ([]models.AppendTask, error) {
	query := `SELECT id, run_id, event_url, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM append_queue WHERE status = 'failed' ORDER BY created_at DESC`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed append tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AppendTask
	for rows.Next() {
		var t models.AppendTask
		err := rows.Scan(
			&t.ID, &t.RunID, &t.EventURL, &t.Payload, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan append task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
