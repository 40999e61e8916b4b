package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

func (s *sqlStore) CreateCronTask(ctx context.Context, task *models.CronTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO cron_tasks
		(id, name, cron_expr, prompt, channel_type, channel_id, chat_id, enabled, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.CronExpr, task.Prompt, task.ChannelType, task.ChannelID, task.ChatID,
		task.Enabled, task.NextRun, task.CreatedAt)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

func (s *sqlStore) ListCronTasks(ctx context.Context) ([]models.CronTask, error) {
	rows, err := s.query(ctx, `SELECT id, name, cron_expr, prompt, channel_type, channel_id, chat_id,
		enabled, next_run, last_run, last_error, created_at FROM cron_tasks ORDER BY name`)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var out []models.CronTask
	for rows.Next() {
		var t models.CronTask
		var nextRun, lastRun sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.CronExpr, &t.Prompt, &t.ChannelType, &t.ChannelID, &t.ChatID,
			&t.Enabled, &nextRun, &lastRun, &lastErr, &t.CreatedAt); err != nil {
			return nil, observability.Internal(err)
		}
		if nextRun.Valid {
			t.NextRun = nextRun.Time
		}
		if lastRun.Valid {
			t.LastRun = lastRun.Time
		}
		t.LastError = lastErr.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateCronTaskRun(ctx context.Context, id string, nextRun, lastRun time.Time, lastErr string) error {
	res, err := s.exec(ctx, `UPDATE cron_tasks SET next_run = ?, last_run = ?, last_error = ? WHERE id = ?`,
		nextRun, lastRun, lastErr, id)
	if err != nil {
		return observability.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observability.NotFound("cron task not found: " + id)
	}
	return nil
}

func (s *sqlStore) SetCronTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE cron_tasks SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return observability.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observability.NotFound("cron task not found: " + id)
	}
	return nil
}

func (s *sqlStore) DeleteCronTask(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM cron_tasks WHERE id = ?`, id)
	if err != nil {
		return observability.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observability.NotFound("cron task not found: " + id)
	}
	return nil
}
