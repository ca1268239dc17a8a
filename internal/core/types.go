package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// ParseTaskStatus validates a textual status.
func ParseTaskStatus(value string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(value)))
	switch st {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusCancelled, TaskStatusPaused, TaskStatusRetrying:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", value)
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Runnable reports whether a task in this state may be queued for dispatch.
// Retrying only differs from pending in that at least one attempt has failed.
func (s TaskStatus) Runnable() bool {
	return s == TaskStatusPending || s == TaskStatusRetrying
}

// Priority orders dispatch; higher values run first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either the numeric value or the lowercase name.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "low":
		return PriorityLow, nil
	case "2", "normal", "":
		return PriorityNormal, nil
	case "3", "high":
		return PriorityHigh, nil
	case "4", "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", value)
}

// UnmarshalJSON accepts a number or a priority name. Range checks are left
// to validation.
func (p *Priority) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a number or a name: %w", err)
	}
	*p = Priority(n)
	return nil
}

const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 3600
	// MaxTimeoutSeconds is one year. Larger values would overflow time.Duration.
	MaxTimeoutSeconds = 365 * 24 * 3600
)

// Task is one unit of schedulable work.
type Task struct {
	ID          string
	Name        string
	Type        string
	Priority    Priority
	Params      map[string]any
	Status      TaskStatus
	Progress    int
	Result      any
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ScheduledAt *time.Time
	RetryCount  int
	MaxRetries  int
	// Timeout is the handler deadline in seconds; zero means none.
	Timeout int
}

// TaskView is a detached copy of a task handed to callers.
type TaskView = Task

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = cloneParams(t.Params)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	return &c
}

// Duration is the wall time between start and completion, if both are known.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// TaskLog is one handler or lifecycle log line attached to a task.
type TaskLog struct {
	ID        int64
	TaskID    string
	Level     string
	Message   string
	CreatedAt time.Time
}

// DailyStatistics aggregates tasks created on one calendar day (UTC).
type DailyStatistics struct {
	Date           string
	Total          int
	Completed      int
	Failed         int
	AvgDurationSec float64
}

// TypeStatistics aggregates tasks of one type.
type TypeStatistics struct {
	Type        string
	Count       int
	Completed   int
	SuccessRate float64
}

// Statistics is the historical view computed by the store.
type Statistics struct {
	Daily   []DailyStatistics
	ByType  []TypeStatistics
	Running int
	Queued  int
}

// Snapshot is the live in-memory view of the manager.
type Snapshot struct {
	Total    int
	ByStatus map[TaskStatus]int
	ByType   map[string]int
	Queued   int
	Running  int
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
