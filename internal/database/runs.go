package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"enlist/internal/models"
)

// SaveSnapshot upserts the run and all of its tasks in one transaction.
// Called after every state transition, so it has to stay cheap: one run
// row plus one row per task.
func (d *DB) SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, mode, concurrency_limit, inter_task_delay_ms, calendar, started_at, finished_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             mode = excluded.mode,
             finished_at = excluded.finished_at,
             updated_at = excluded.updated_at`,
		snap.RunID,
		snap.Mode,
		snap.Settings.ConcurrencyLimit,
		snap.Settings.InterTaskDelay.Milliseconds(),
		snap.Settings.Calendar,
		snap.StartedAt,
		snap.FinishedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for i := range snap.Tasks {
		task := &snap.Tasks[i]
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_tasks (run_id, url, title, event_date, status, message, agent_handle, is_registered, is_new, position, completed_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(run_id, url) DO UPDATE SET
                 status = excluded.status,
                 message = excluded.message,
                 agent_handle = excluded.agent_handle,
                 completed_at = excluded.completed_at`,
			snap.RunID,
			task.URL,
			task.Title,
			task.Date,
			task.Status,
			task.Message,
			task.AgentHandle,
			task.IsRegistered,
			task.IsNew,
			i,
			task.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", task.URL, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot reconstructs a run snapshot (counters included) from rows.
func (d *DB) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	snap := &models.RunSnapshot{RunID: runID}
	var delayMS int64
	var finishedAt sql.NullTime

	err := d.db.QueryRowContext(ctx,
		`SELECT mode, concurrency_limit, inter_task_delay_ms, calendar, started_at, finished_at, updated_at
         FROM runs WHERE id = ?`, runID).
		Scan(&snap.Mode, &snap.Settings.ConcurrencyLimit, &delayMS, &snap.Settings.Calendar,
			&snap.StartedAt, &finishedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	snap.Settings.InterTaskDelay = time.Duration(delayMS) * time.Millisecond
	if finishedAt.Valid {
		t := finishedAt.Time
		snap.FinishedAt = &t
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT url, title, event_date, status, message, agent_handle, is_registered, is_new, completed_at
         FROM run_tasks WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load tasks for %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var task models.EventTask
		var message, handle sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&task.URL, &task.Title, &task.Date, &task.Status, &message,
			&handle, &task.IsRegistered, &task.IsNew, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Selected = true
		task.Message = message.String
		task.AgentHandle = handle.String
		if completedAt.Valid {
			t := completedAt.Time
			task.CompletedAt = &t
		}
		snap.Tasks = append(snap.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap.Counters = countTasks(snap.Tasks)
	return snap, nil
}

// LoadCurrent returns the most recently started run, or ErrNotFound.
func (d *DB) LoadCurrent(ctx context.Context) (*models.RunSnapshot, error) {
	var runID string
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find current run: %w", err)
	}
	return d.LoadSnapshot(ctx, runID)
}

// ClearSnapshot removes a run and its tasks. Used on explicit reset only.
func (d *DB) ClearSnapshot(ctx context.Context, runID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_tasks WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

func countTasks(tasks []models.EventTask) models.Counters {
	var c models.Counters
	c.Total = len(tasks)
	for i := range tasks {
		switch tasks[i].Status {
		case models.TaskSuccess:
			c.Success++
		case models.TaskFailed:
			c.Failed++
		case models.TaskManual:
			c.Manual++
		case models.TaskActive:
			c.Active++
			c.Pending++
		default:
			c.Pending++
		}
	}
	c.Processed = c.Success + c.Failed + c.Manual
	return c
}
