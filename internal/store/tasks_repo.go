package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskmgr/internal/core"
)

const taskColumns = `id, name, task_type, priority, params, status, progress, result, error_message,
	created_at, updated_at, started_at, completed_at, scheduled_at, retry_count, max_retries, timeout`

// UpsertTask writes the full task row, inserting it or replacing every
// column of the existing row.
func (s *Store) UpsertTask(ctx context.Context, task *core.Task) error {
	params, err := json.Marshal(paramsOrEmpty(task.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var result any
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(data)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			task_type = excluded.task_type,
			priority = excluded.priority,
			params = excluded.params,
			status = excluded.status,
			progress = excluded.progress,
			result = excluded.result,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			scheduled_at = excluded.scheduled_at,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			timeout = excluded.timeout
	`, task.ID, task.Name, task.Type, int(task.Priority), string(params), string(task.Status), task.Progress,
		result, nullableString(task.Error), formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
		nullableTime(task.StartedAt), nullableTime(task.CompletedAt), nullableTime(task.ScheduledAt),
		task.RetryCount, task.MaxRetries, task.Timeout)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask returns core.ErrNotFound when no row matches.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// DeleteTask removes the task and its log lines. Deleting a missing task is
// not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete task: %w", err)
	}
	return nil
}

// ListRecentTasks returns up to limit tasks, newest first. An empty status
// matches every task.
func (s *Store) ListRecentTasks(ctx context.Context, status core.TaskStatus, limit int) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ? = '' OR status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	return collectTasks(rows)
}

// LoadActiveAndRecent returns every task that is not finished plus finished
// tasks updated at or after cutoff.
func (s *Store) LoadActiveAndRecent(ctx context.Context, cutoff time.Time) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN (?, ?, ?) OR updated_at >= ?
		ORDER BY created_at ASC
	`, core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCancelled, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	return collectTasks(rows)
}

// DeleteFinishedBefore removes finished tasks created before cutoff together
// with their log lines.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()
	args := []any{core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCancelled, formatTime(cutoff)}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_logs WHERE task_id IN (
			SELECT id FROM tasks WHERE status IN (?, ?, ?) AND created_at < ?
		)
	`, args...); err != nil {
		return 0, fmt.Errorf("delete old task logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE status IN (?, ?, ?) AND created_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return n, nil
}

// TaskStatistics aggregates tasks created at or after since by UTC day and
// by type.
func (s *Store) TaskStatistics(ctx context.Context, since time.Time) (*core.Statistics, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_type, status, created_at, started_at, completed_at
		FROM tasks
		WHERE created_at >= ?
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	type dayAgg struct {
		core.DailyStatistics
		durTotal float64
		durCount int
	}
	days := make(map[string]*dayAgg)
	types := make(map[string]*core.TypeStatistics)
	for rows.Next() {
		var (
			taskType, status, createdAt string
			startedAt, completedAt      sql.NullString
		)
		if err := rows.Scan(&taskType, &status, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		created, ok := parseTime(createdAt)
		if !ok {
			continue
		}
		date := created.Format("2006-01-02")
		d := days[date]
		if d == nil {
			d = &dayAgg{DailyStatistics: core.DailyStatistics{Date: date}}
			days[date] = d
		}
		ts := types[taskType]
		if ts == nil {
			ts = &core.TypeStatistics{Type: taskType}
			types[taskType] = ts
		}
		d.Total++
		ts.Count++
		switch core.TaskStatus(status) {
		case core.TaskStatusCompleted:
			d.Completed++
			ts.Completed++
			start, end := parseNullableTime(startedAt), parseNullableTime(completedAt)
			if start != nil && end != nil {
				d.durTotal += end.Sub(*start).Seconds()
				d.durCount++
			}
		case core.TaskStatusFailed:
			d.Failed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &core.Statistics{}
	for _, d := range days {
		if d.durCount > 0 {
			d.AvgDurationSec = d.durTotal / float64(d.durCount)
		}
		stats.Daily = append(stats.Daily, d.DailyStatistics)
	}
	sort.Slice(stats.Daily, func(i, j int) bool { return stats.Daily[i].Date > stats.Daily[j].Date })
	for _, ts := range types {
		ts.SuccessRate = float64(ts.Completed) / float64(ts.Count) * 100
		stats.ByType = append(stats.ByType, *ts)
	}
	sort.Slice(stats.ByType, func(i, j int) bool {
		if stats.ByType[i].Count != stats.ByType[j].Count {
			return stats.ByType[i].Count > stats.ByType[j].Count
		}
		return stats.ByType[i].Type < stats.ByType[j].Type
	})
	return stats, nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		priority    int
		params      string
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		scheduledAt sql.NullString
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.Type, &priority, &params, &status, &task.Progress,
		&result, &errMsg, &createdAt, &updatedAt, &startedAt, &completedAt, &scheduledAt,
		&task.RetryCount, &task.MaxRetries, &task.Timeout); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Priority = core.Priority(priority)
	task.Status = core.TaskStatus(status)
	task.Params = map[string]any{}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &task.Params); err != nil {
			return nil, fmt.Errorf("decode params of task %s: %w", task.ID, err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return nil, fmt.Errorf("decode result of task %s: %w", task.ID, err)
		}
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if t, ok := parseTime(createdAt); ok {
		task.CreatedAt = t
	}
	if t, ok := parseTime(updatedAt); ok {
		task.UpdatedAt = t
	}
	task.StartedAt = parseNullableTime(startedAt)
	task.CompletedAt = parseNullableTime(completedAt)
	task.ScheduledAt = parseNullableTime(scheduledAt)
	return &task, nil
}

func paramsOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
