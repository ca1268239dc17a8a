package store

import (
	"context"
	"fmt"
	"time"

	"taskmgr/internal/core"
)

// AppendTaskLog records one log line for a task.
func (s *Store) AppendTaskLog(ctx context.Context, taskID, level, message string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, message, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, level, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns the newest limit lines of a task in chronological
// order.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]core.TaskLog, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, level, message, created_at FROM (
			SELECT id, task_id, level, message, created_at
			FROM task_logs
			WHERE task_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()
	var logs []core.TaskLog
	for rows.Next() {
		var (
			entry     core.TaskLog
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Level, &entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		if t, ok := parseTime(createdAt); ok {
			entry.CreatedAt = t
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
