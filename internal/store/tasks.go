package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studykit/scheduler/internal/models"
)

// Legacy task persistence, kept for clients that still consume the
// runKey-grouped task API.

// TaskRunHasNotOccurred reports whether no task from the given scheduler
// run has been persisted yet.
func (p *Postgres) TaskRunHasNotOccurred(ctx context.Context, healthCode, runKey string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE health_code = $1 AND run_key = $2
		)
	`, healthCode, runKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return !exists, nil
}

// SaveTasks batch-inserts new tasks; conflicts on (health_code, guid) are
// ignored because the deterministic GUID means the row is already there.
func (p *Postgres) SaveTasks(ctx context.Context, healthCode string, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		activityJSON, err := json.Marshal(task.Activity)
		if err != nil {
			return fmt.Errorf("%w: encode task %s: %v", ErrStore, task.Guid, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				guid, run_key, health_code, activity, scheduled_on, expires_on, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (health_code, guid) DO NOTHING
		`, task.Guid, task.RunKey, healthCode, activityJSON,
			task.ScheduledOn.UTC(), nullTime(task.ExpiresOn))
		if err != nil {
			return fmt.Errorf("%w: insert task %s: %v", ErrStore, task.Guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

// GetTasks returns a participant's persisted tasks inside a window,
// picking up any started/finished timestamps written since generation.
func (p *Postgres) GetTasks(ctx context.Context, healthCode string, startsOn, endsOn time.Time) ([]models.Task, error) {
	type taskRow struct {
		Guid        string     `db:"guid"`
		RunKey      string     `db:"run_key"`
		HealthCode  string     `db:"health_code"`
		Activity    []byte     `db:"activity"`
		ScheduledOn time.Time  `db:"scheduled_on"`
		ExpiresOn   *time.Time `db:"expires_on"`
		StartedOn   *time.Time `db:"started_on"`
		FinishedOn  *time.Time `db:"finished_on"`
	}
	var rows []taskRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT guid, run_key, health_code, activity, scheduled_on, expires_on, started_on, finished_on
		FROM tasks
		WHERE health_code = $1 AND scheduled_on >= $2 AND scheduled_on <= $3
		ORDER BY scheduled_on
	`, healthCode, startsOn, endsOn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	tasks := make([]models.Task, 0, len(rows))
	for _, row := range rows {
		var activity models.Activity
		if len(row.Activity) > 0 {
			if err := json.Unmarshal(row.Activity, &activity); err != nil {
				return nil, fmt.Errorf("%w: decode task %s: %v", ErrStore, row.Guid, err)
			}
		}
		tasks = append(tasks, models.Task{
			Guid:        row.Guid,
			RunKey:      row.RunKey,
			HealthCode:  row.HealthCode,
			Activity:    activity,
			ScheduledOn: row.ScheduledOn,
			ExpiresOn:   row.ExpiresOn,
			StartedOn:   row.StartedOn,
			FinishedOn:  row.FinishedOn,
		})
	}
	return tasks, nil
}

// UpdateTasks writes participant-authored started/finished timestamps.
func (p *Postgres) UpdateTasks(ctx context.Context, healthCode string, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET started_on = $3, finished_on = $4
			WHERE health_code = $1 AND guid = $2
		`, healthCode, task.Guid, nullTime(task.StartedOn), nullTime(task.FinishedOn))
		if err != nil {
			return fmt.Errorf("%w: update task %s: %v", ErrStore, task.Guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

// DeleteTasks removes every legacy task a participant owns.
func (p *Postgres) DeleteTasks(ctx context.Context, healthCode string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE health_code = $1`, healthCode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
