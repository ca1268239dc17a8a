package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store and LogStore.
type memStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	logs       map[string][]TaskLog
	upserts    int
	failUpsert error
	failList   error
	failDelete error
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[string]*Task),
		logs:  make(map[string][]TaskLog),
	}
}

func (s *memStore) UpsertTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert != nil {
		return s.failUpsert
	}
	s.upserts++
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete != nil {
		return s.failDelete
	}
	delete(s.tasks, id)
	delete(s.logs, id)
	return nil
}

func (s *memStore) ListRecentTasks(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) LoadActiveAndRecent(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if !t.Status.Terminal() || !t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) AppendTaskLog(ctx context.Context, taskID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[taskID] = append(s.logs[taskID], TaskLog{
		ID:        int64(len(s.logs[taskID]) + 1),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memStore) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.logs[taskID]
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]TaskLog(nil), logs...), nil
}

func (s *memStore) stored(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

func (s *memStore) setFailUpsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpsert = err
}

func (s *memStore) setFailDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete = err
}

// fakeClock is a settable clock for scheduled-task tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *recordingNotifier) Send(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bodies)
}

var errBoom = errors.New("boom")

func testOptions(store *memStore) Options {
	return Options{
		MaxConcurrent:     2,
		PollInterval:      5 * time.Millisecond,
		ErrorBackoff:      5 * time.Millisecond,
		DefaultMaxRetries: DefaultMaxRetries,
		DefaultTimeout:    DefaultTimeoutSeconds,
		Logs:              store,
	}
}

func newTestManager(t *testing.T, store *memStore, opts Options) *Manager {
	t.Helper()
	m := NewManager(store, setupTestLogger(), opts)
	t.Cleanup(func() {
		_ = m.Stop(2 * time.Second)
	})
	return m
}

func createTask(t *testing.T, m *Manager, in CreateTaskInput) string {
	t.Helper()
	id, err := m.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, m *Manager, id string, want TaskStatus) *TaskView {
	t.Helper()
	var last *TaskView
	require.Eventually(t, func() bool {
		v, err := m.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = v
		return v.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func intPtr(v int) *int { return &v }
