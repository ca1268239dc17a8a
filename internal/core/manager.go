package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Store abstracts the durable record of tasks used by the manager.
type Store interface {
	UpsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	// ListRecentTasks filters by status unless status is empty.
	ListRecentTasks(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
	LoadActiveAndRecent(ctx context.Context, cutoff time.Time) ([]*Task, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LogStore keeps per-task log lines.
type LogStore interface {
	AppendTaskLog(ctx context.Context, taskID, level, message string) error
	ListTaskLogs(ctx context.Context, taskID string, limit int) ([]TaskLog, error)
}

// StatsStore computes historical statistics.
type StatsStore interface {
	TaskStatistics(ctx context.Context, since time.Time) (*Statistics, error)
}

// Notifier delivers out-of-band alerts, e.g. when a task fails for good.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Options configure a Manager.
type Options struct {
	MaxConcurrent     int
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	DefaultMaxRetries int
	// DefaultTimeout is in seconds; zero disables the deadline.
	DefaultTimeout int
	// RecentWindow bounds which finished tasks Load brings back into memory.
	RecentWindow time.Duration
	Logs         LogStore
	Notifier     Notifier
	// Clock is used for every timestamp; defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:     5,
		PollInterval:      time.Second,
		ErrorBackoff:      5 * time.Second,
		DefaultMaxRetries: DefaultMaxRetries,
		DefaultTimeout:    DefaultTimeoutSeconds,
		RecentWindow:      24 * time.Hour,
	}
}

// CreateTaskInput is the caller-supplied description of a new task.
type CreateTaskInput struct {
	Name        string         `json:"name" validate:"required"`
	Type        string         `json:"type" validate:"required"`
	Priority    Priority       `json:"priority" validate:"omitempty,min=1,max=4"`
	Params      map[string]any `json:"params"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	MaxRetries  *int           `json:"max_retries" validate:"omitempty,min=0,max=100"`
	Timeout     *int           `json:"timeout" validate:"omitempty,min=0,max=31536000"`
}

// TaskUpdate lists the fields UpdateTask may change. Nil fields are left alone;
// Params is merged into the existing params.
type TaskUpdate struct {
	Name     *string
	Priority *Priority
	Params   map[string]any
	Status   *TaskStatus
	Progress *int
}

type entry struct {
	task *Task
	// seq orders entries by creation for deterministic admission.
	seq uint64
	// attempt identifies the current execution, see Execution.
	attempt uint64
}

type runningTask struct {
	attempt uint64
	cancel  context.CancelFunc
}

type notice struct {
	taskID string
	level  string
	msg    string
	alert  bool
}

// Manager owns the in-memory task map, the priority queue, the scheduler
// loop and the worker pool.
type Manager struct {
	store    Store
	logs     LogStore
	notifier Notifier
	registry *Registry
	pool     *WorkerPool
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	tasks   map[string]*entry
	queue   *PriorityQueue
	running map[string]*runningTask
	seq     uint64
	attempt uint64
	outbox  []notice

	wake chan struct{}
	base atomic.Pointer[context.Context]

	lifeMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewManager constructs a manager. It does not read the store; call Load
// before Start to resume work from a previous process.
func NewManager(store Store, logger *slog.Logger, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaults.ErrorBackoff
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}
	if opts.DefaultTimeout < 0 {
		opts.DefaultTimeout = 0
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = defaults.RecentWindow
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store:    store,
		logs:     opts.Logs,
		notifier: opts.Notifier,
		registry: NewRegistry(),
		pool:     NewWorkerPool(opts.MaxConcurrent, logger),
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return clock().UTC() },
		tasks:    make(map[string]*entry),
		queue:    NewPriorityQueue(),
		running:  make(map[string]*runningTask),
		wake:     make(chan struct{}, 1),
	}
}

// Registry exposes the handler registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// RegisterHandler associates taskType with h, replacing any previous handler.
func (m *Manager) RegisterHandler(taskType string, h Handler) {
	m.registry.Register(taskType, h)
	m.logger.Info("registered task handler", "type", taskType)
}

// Load repopulates the in-memory map from the store. Runnable tasks are
// queued on the next tick. Tasks left running by a previous process count
// as a failed attempt.
func (m *Manager) Load(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.opts.RecentWindow)
	tasks, err := m.store.LoadActiveAndRecent(ctx, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "load tasks", Err: err}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	m.mu.Lock()
	loaded := 0
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			continue
		}
		if t.Params == nil {
			t.Params = map[string]any{}
		}
		m.insertLocked(t)
		loaded++
		if t.Status == TaskStatusRunning {
			m.recordFailureLocked(t, "interrupted by restart")
			_ = m.persistLocked(t, "persist interrupted task")
		}
	}
	out := m.takeOutboxLocked()
	m.mu.Unlock()

	m.deliver(out)
	m.logger.Info("loaded tasks from store", "count", loaded)
	return loaded, nil
}

// CreateTask validates in, persists the new task and queues it unless it is
// scheduled for later.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.TrimSpace(in.Type)
	if err := ValidateStruct(in); err != nil {
		return "", err
	}
	if in.Priority == 0 {
		in.Priority = PriorityNormal
	}
	maxRetries := m.opts.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	timeout := m.opts.DefaultTimeout
	if in.Timeout != nil {
		timeout = *in.Timeout
	}

	now := m.now()
	task := &Task{
		ID:          NewID(),
		Name:        in.Name,
		Type:        in.Type,
		Priority:    in.Priority,
		Params:      cloneParams(in.Params),
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: cloneTime(in.ScheduledAt),
		MaxRetries:  maxRetries,
		Timeout:     timeout,
	}
	if task.ScheduledAt != nil {
		utc := task.ScheduledAt.UTC()
		task.ScheduledAt = &utc
	}

	m.mu.Lock()
	if err := m.store.UpsertTask(ctx, task); err != nil {
		m.mu.Unlock()
		m.logger.Error("insert task", "task_id", task.ID, "err", err)
		return "", &StorageError{Op: "insert task", Err: err}
	}
	m.insertLocked(task)
	if m.dueLocked(task, now) {
		m.queue.Push(task.ID, task.Priority)
	}
	m.noteLocked(task.ID, "info", fmt.Sprintf("task created with priority %s", task.Priority))
	out := m.takeOutboxLocked()
	m.mu.Unlock()

	m.deliver(out)
	m.logger.Info("task created", "task_id", task.ID, "name", task.Name, "type", task.Type, "priority", task.Priority.String())
	m.poke()
	return task.ID, nil
}

// GetTask returns a copy of the task, looking in memory first and then in
// the store.
func (m *Manager) GetTask(ctx context.Context, id string) (*TaskView, error) {
	m.mu.Lock()
	if e, ok := m.tasks[id]; ok {
		view := e.task.Clone()
		m.mu.Unlock()
		return view, nil
	}
	m.mu.Unlock()
	return m.fetch(ctx, id)
}

// ListRecentTasks returns up to limit tasks, newest first, restricted to
// status when it is not empty. Cached tasks win over their stored rows.
func (m *Manager) ListRecentTasks(ctx context.Context, status TaskStatus, limit int) ([]*TaskView, error) {
	if limit <= 0 {
		limit = 50
	}
	stored, err := m.store.ListRecentTasks(ctx, status, limit)
	if err != nil {
		m.logger.Warn("list recent tasks from store, serving memory only", "err", err)
		stored = nil
	}

	byID := make(map[string]*Task, len(stored))
	for _, t := range stored {
		byID[t.ID] = t
	}
	m.mu.Lock()
	for id, e := range m.tasks {
		if status != "" && e.task.Status != status {
			delete(byID, id)
			continue
		}
		byID[id] = e.task.Clone()
	}
	m.mu.Unlock()

	out := make([]*TaskView, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateTask applies an administrative change to a task.
func (m *Manager) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return &ValidationError{Field: "name", Message: "cannot be empty"}
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "must be between 1 and 4"}
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		return &ValidationError{Field: "progress", Message: "must be between 0 and 100"}
	}
	if upd.Status != nil {
		st, err := ParseTaskStatus(string(*upd.Status))
		if err != nil {
			return &ValidationError{Field: "status", Message: err.Error()}
		}
		upd.Status = &st
	}

	e, err := m.cached(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.tasks[id] != e {
		m.mu.Unlock()
		return ErrNotFound
	}
	t := e.task
	err = m.applyUpdateLocked(e, upd)
	if err == nil {
		t.UpdatedAt = m.now()
		err = m.persistLocked(t, "update task")
	}
	out := m.takeOutboxLocked()
	m.mu.Unlock()

	m.deliver(out)
	if err == nil {
		m.poke()
	}
	return err
}

func (m *Manager) applyUpdateLocked(e *entry, upd TaskUpdate) error {
	t := e.task
	if upd.Progress != nil && t.Status == TaskStatusRunning && *upd.Progress < t.Progress {
		return invalidState("progress cannot decrease while running")
	}
	if upd.Status != nil {
		next := *upd.Status
		if next == TaskStatusRunning && t.Status != TaskStatusRunning {
			return invalidState("status running is set by the scheduler")
		}
		if (next == TaskStatusCompleted || next == TaskStatusFailed) && next != t.Status {
			return invalidState("status %s is set by the scheduler", next)
		}
		if t.Status == TaskStatusRunning && next != TaskStatusRunning && next != TaskStatusCancelled {
			return invalidState("task %s is running; only cancellation is allowed", t.ID)
		}
		if next == TaskStatusCancelled && t.Status.Terminal() {
			return invalidState("task %s is already %s", t.ID, t.Status)
		}
	}

	if upd.Status != nil {
		next := *upd.Status
		switch {
		case next == TaskStatusCancelled:
			if err := m.cancelLocked(e); err != nil {
				return err
			}
		case next != t.Status:
			if t.Status.Terminal() && next.Runnable() {
				t.CompletedAt = nil
				t.Result = nil
				t.Error = ""
			}
			t.Status = next
			if !next.Runnable() {
				m.queue.Remove(t.ID)
			}
			m.noteLocked(t.ID, "info", fmt.Sprintf("status set to %s", next))
		}
	}
	if upd.Progress != nil {
		t.Progress = *upd.Progress
	}
	if upd.Name != nil {
		t.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
		m.queue.Update(t.ID, t.Priority)
	}
	for k, v := range upd.Params {
		t.Params[k] = v
	}
	if t.Status.Runnable() && !m.queue.Contains(t.ID) && m.dueLocked(t, m.now()) {
		if _, running := m.running[t.ID]; !running {
			m.queue.Push(t.ID, t.Priority)
		}
	}
	return nil
}

// CancelTask marks a task cancelled. A running handler sees its context
// cancelled and Execution.Cancelled report true; it is not stopped forcibly.
func (m *Manager) CancelTask(ctx context.Context, id string) error {
	e, err := m.cached(ctx, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.tasks[id] != e {
		m.mu.Unlock()
		return ErrNotFound
	}
	err = m.cancelLocked(e)
	if err == nil {
		err = m.persistLocked(e.task, "cancel task")
	}
	out := m.takeOutboxLocked()
	m.mu.Unlock()

	m.deliver(out)
	if err == nil {
		m.logger.Info("task cancelled", "task_id", id)
	}
	return err
}

func (m *Manager) cancelLocked(e *entry) error {
	t := e.task
	if t.Status.Terminal() {
		return invalidState("task %s is already %s", t.ID, t.Status)
	}
	m.queue.Remove(t.ID)
	if rt, ok := m.running[t.ID]; ok {
		rt.cancel()
	}
	now := m.now()
	t.Status = TaskStatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	m.noteLocked(t.ID, "warn", "task cancelled")
	return nil
}

// DeleteTask removes a task from the store and then from memory, cancelling
// it if it is running. When the store delete fails the task is left as it was.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	if e, ok := m.tasks[id]; ok {
		defer m.mu.Unlock()
		if err := m.deleteStored(ctx, id); err != nil {
			return err
		}
		if e.task.Status == TaskStatusRunning {
			_ = m.cancelLocked(e)
		}
		m.queue.Remove(id)
		delete(m.tasks, id)
		// Log lines of a deleted task would be orphaned.
		m.outbox = nil
		m.logger.Info("task deleted", "task_id", id)
		return nil
	}
	m.mu.Unlock()

	if _, err := m.fetch(ctx, id); err != nil {
		return err
	}
	if err := m.deleteStored(ctx, id); err != nil {
		return err
	}
	m.logger.Info("task deleted", "task_id", id)
	return nil
}

// deleteStored runs under m.mu when the task is cached, so a finishing
// attempt cannot write the row back after it is gone.
func (m *Manager) deleteStored(ctx context.Context, id string) error {
	if err := m.store.DeleteTask(ctx, id); err != nil {
		m.logger.Error("delete task", "task_id", id, "err", err)
		return &StorageError{Op: "delete task", Err: err}
	}
	return nil
}

// Stats reports live counts from memory.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Total:    len(m.tasks),
		ByStatus: make(map[TaskStatus]int),
		ByType:   make(map[string]int),
		Queued:   m.queue.Len(),
		Running:  len(m.running),
	}
	for _, e := range m.tasks {
		snap.ByStatus[e.task.Status]++
		snap.ByType[e.task.Type]++
	}
	return snap
}

// TaskLogs returns the newest log lines of a task.
func (m *Manager) TaskLogs(ctx context.Context, id string, limit int) ([]TaskLog, error) {
	if _, err := m.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if m.logs == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	logs, err := m.logs.ListTaskLogs(ctx, id, limit)
	if err != nil {
		return nil, &StorageError{Op: "list task logs", Err: err}
	}
	return logs, nil
}

// Statistics returns historical aggregates for the last days days when the
// store supports them.
func (m *Manager) Statistics(ctx context.Context, days int) (*Statistics, error) {
	if days <= 0 {
		days = 30
	}
	ss, ok := m.store.(StatsStore)
	if !ok {
		return nil, errors.New("store does not provide statistics")
	}
	since := m.now().AddDate(0, 0, -days)
	stats, err := ss.TaskStatistics(ctx, since)
	if err != nil {
		return nil, &StorageError{Op: "task statistics", Err: err}
	}
	m.mu.Lock()
	stats.Running = len(m.running)
	stats.Queued = m.queue.Len()
	m.mu.Unlock()
	return stats, nil
}

// Cleanup deletes finished tasks created before now-olderThan from the store
// and evicts them from memory.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().Add(-olderThan)
	n, err := m.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "cleanup tasks", Err: err}
	}
	m.mu.Lock()
	for id, e := range m.tasks {
		if e.task.Status.Terminal() && e.task.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()
	m.logger.Info("cleaned up old tasks", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// cached returns the in-memory entry for id, pulling it in from the store
// when only the store knows it.
func (m *Manager) cached(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	if e, ok := m.tasks[id]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	t, err := m.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[id]; ok {
		return e, nil
	}
	return m.insertLocked(t), nil
}

func (m *Manager) fetch(ctx context.Context, id string) (*Task, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get task", Err: err}
	}
	return t, nil
}

func (m *Manager) insertLocked(t *Task) *entry {
	m.seq++
	e := &entry{task: t, seq: m.seq}
	m.tasks[t.ID] = e
	return e
}

func (m *Manager) dueLocked(t *Task, now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// persistLocked writes t through to the store. Writes happen under m.mu so
// successive writes for one task reach the store in order.
func (m *Manager) persistLocked(t *Task, op string) error {
	if err := m.store.UpsertTask(m.bgContext(), t); err != nil {
		m.logger.Error(op, "task_id", t.ID, "err", err)
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

func (m *Manager) noteLocked(taskID, level, msg string) {
	m.outbox = append(m.outbox, notice{taskID: taskID, level: level, msg: msg})
}

func (m *Manager) alertLocked(taskID, msg string) {
	m.outbox = append(m.outbox, notice{taskID: taskID, level: "error", msg: msg, alert: true})
}

func (m *Manager) takeOutboxLocked() []notice {
	out := m.outbox
	m.outbox = nil
	return out
}

// deliver writes queued task log lines and alerts. It must be called
// without m.mu held.
func (m *Manager) deliver(out []notice) {
	ctx := m.bgContext()
	for _, n := range out {
		if m.logs != nil {
			if err := m.logs.AppendTaskLog(ctx, n.taskID, n.level, n.msg); err != nil {
				m.logger.Warn("append task log", "task_id", n.taskID, "err", err)
			}
		}
		if n.alert && m.notifier != nil {
			go m.sendAlert(n)
		}
	}
}

func (m *Manager) sendAlert(n notice) {
	ctx, cancel := context.WithTimeout(m.bgContext(), 10*time.Second)
	defer cancel()
	if err := m.notifier.Send(ctx, "task failed", fmt.Sprintf("%s: %s", n.taskID, n.msg)); err != nil {
		m.logger.Warn("send failure notification", "task_id", n.taskID, "err", err)
	}
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// bgContext carries the values of the context given to Start without its
// cancellation, so writes made while stopping still reach the store.
func (m *Manager) bgContext() context.Context {
	if p := m.base.Load(); p != nil {
		return context.WithoutCancel(*p)
	}
	return context.Background()
}
