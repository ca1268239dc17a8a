package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Start launches the scheduler loop. ctx supplies values for background
// writes and handler contexts; cancelling it stops the loop like Stop does.
// Calling Start on a running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopLoop != nil {
		return
	}
	m.base.Store(&ctx)
	m.pool.Reopen()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopLoop = cancel
	m.loopDone = done
	go m.loop(loopCtx, done)
	m.logger.Info("scheduler started", "max_concurrent", m.pool.Size(), "poll_interval", m.opts.PollInterval)
}

// Stop halts dispatch and waits up to timeout for the loop and in-flight
// handlers to return. Running tasks are not cancelled. Calling Stop on a
// stopped manager does nothing.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopLoop == nil {
		return nil
	}
	m.pool.Close()
	m.stopLoop()
	m.stopLoop = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-m.loopDone:
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler loop: %w", ctx.Err())
	}
	if err := m.pool.Wait(ctx); err != nil {
		m.logger.Warn("scheduler stop timed out waiting for workers", "busy", m.pool.Busy())
		return fmt.Errorf("wait for workers: %w", err)
	}
	m.logger.Info("scheduler stopped")
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		wait := m.opts.PollInterval
		if err := m.safeTick(); err != nil {
			m.logger.Error("scheduler tick", "err", err)
			wait = m.opts.ErrorBackoff
		}
		timer.Reset(wait)
	}
}

func (m *Manager) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler tick panic: %v", r)
		}
	}()
	return m.tick()
}

// tick runs one admission and dispatch pass.
func (m *Manager) tick() error {
	m.mu.Lock()
	now := m.now()
	m.admitLocked(now)
	err := m.dispatchLocked(now)
	out := m.takeOutboxLocked()
	m.mu.Unlock()
	m.deliver(out)
	return err
}

// admitLocked queues runnable tasks that are due, in creation order.
func (m *Manager) admitLocked(now time.Time) {
	var due []*entry
	for id, e := range m.tasks {
		if !e.task.Status.Runnable() || m.queue.Contains(id) {
			continue
		}
		if _, running := m.running[id]; running {
			continue
		}
		if !m.dueLocked(e.task, now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, e := range due {
		m.queue.Push(e.task.ID, e.task.Priority)
		if e.task.ScheduledAt != nil {
			m.logger.Info("scheduled task admitted", "task_id", e.task.ID, "scheduled_at", e.task.ScheduledAt)
		}
	}
}

// dispatchLocked moves queued tasks onto free worker slots. Store failures
// are collected and returned after the pass; the in-memory transition stands.
func (m *Manager) dispatchLocked(now time.Time) error {
	var errs []error
	for m.queue.Len() > 0 {
		if !m.pool.TryAcquire() {
			break
		}
		id, _ := m.queue.Pop()
		e, ok := m.tasks[id]
		if !ok || !e.task.Status.Runnable() || !m.dueLocked(e.task, now) {
			m.pool.Release()
			continue
		}
		t := e.task
		handler, ok := m.registry.Resolve(t.Type)
		if !ok {
			m.pool.Release()
			m.failUnregisteredLocked(t, now)
			if err := m.persistLocked(t, "persist unregistered task"); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		m.attempt++
		e.attempt = m.attempt
		t.Status = TaskStatusRunning
		t.StartedAt = &now
		t.CompletedAt = nil
		t.UpdatedAt = now
		if err := m.persistLocked(t, "mark task running"); err != nil {
			errs = append(errs, err)
		}

		execCtx, cancel := context.WithCancel(m.bgContext())
		if t.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			execCtx, cancelTimeout = context.WithTimeout(execCtx, timeoutDuration(t.Timeout))
			parentCancel := cancel
			cancel = func() {
				cancelTimeout()
				parentCancel()
			}
		}
		m.running[id] = &runningTask{attempt: e.attempt, cancel: cancel}
		exec := &Execution{m: m, task: t.Clone(), attempt: e.attempt, number: t.RetryCount + 1}
		m.noteLocked(id, "info", fmt.Sprintf("attempt %d started", exec.number))
		m.logger.Info("task dispatched", "task_id", id, "type", t.Type, "priority", t.Priority.String(), "attempt", exec.number)

		m.pool.Go(func() {
			defer cancel()
			result, err := m.invoke(execCtx, handler, exec)
			m.complete(execCtx, exec, result, err)
		})
	}
	return errors.Join(errs...)
}

// timeoutDuration converts a per-attempt timeout in seconds, capping it at
// MaxTimeoutSeconds so rows written by older builds cannot overflow.
func timeoutDuration(seconds int) time.Duration {
	if seconds > MaxTimeoutSeconds {
		seconds = MaxTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (m *Manager) failUnregisteredLocked(t *Task, now time.Time) {
	msg := fmt.Sprintf("%s %q", ErrUnregisteredType.Error(), t.Type)
	t.Status = TaskStatusFailed
	t.Error = msg
	t.Result = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	m.logger.Error("task failed", "task_id", t.ID, "err", msg)
	m.alertLocked(t.ID, msg)
}

// invoke runs the handler, turning a panic into an error.
func (m *Manager) invoke(ctx context.Context, h Handler, exec *Execution) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, exec)
}

// complete records the outcome of one attempt and frees its bookkeeping.
func (m *Manager) complete(ctx context.Context, exec *Execution, result any, err error) {
	id := exec.task.ID
	m.mu.Lock()
	if rt, ok := m.running[id]; ok && rt.attempt == exec.attempt {
		delete(m.running, id)
	}
	e, ok := m.tasks[id]
	if !ok || e.attempt != exec.attempt {
		m.mu.Unlock()
		m.logger.Debug("discarding outcome of stale attempt", "task_id", id, "attempt", exec.number)
		m.poke()
		return
	}
	t := e.task
	if t.Status != TaskStatusRunning {
		m.mu.Unlock()
		m.logger.Info("handler returned after task left running state", "task_id", id, "status", string(t.Status))
		m.poke()
		return
	}

	now := m.now()
	t.UpdatedAt = now
	if err == nil {
		t.Status = TaskStatusCompleted
		t.Progress = 100
		t.Result = result
		t.Error = ""
		t.CompletedAt = &now
		m.noteLocked(id, "info", fmt.Sprintf("attempt %d completed", exec.number))
		m.logger.Info("task completed", "task_id", id, "attempt", exec.number)
	} else {
		herr := &HandlerError{TaskID: id, Attempt: exec.number, Err: err}
		msg := err.Error()
		if t.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("timed out after %ds: %s", t.Timeout, msg)
		}
		m.logger.Warn("task attempt failed", "task_id", id, "err", herr)
		m.recordFailureLocked(t, msg)
	}
	_ = m.persistLocked(t, "persist task outcome")
	out := m.takeOutboxLocked()
	m.mu.Unlock()

	m.deliver(out)
	m.poke()
}

// recordFailureLocked applies the retry policy to a failed attempt.
func (m *Manager) recordFailureLocked(t *Task, msg string) {
	now := m.now()
	t.UpdatedAt = now
	t.Error = msg
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = TaskStatusRetrying
		t.CompletedAt = nil
		if m.dueLocked(t, now) {
			m.queue.Push(t.ID, t.Priority)
		}
		m.noteLocked(t.ID, "warn", fmt.Sprintf("attempt failed, retrying (%d/%d): %s", t.RetryCount, t.MaxRetries, msg))
		return
	}
	t.Status = TaskStatusFailed
	t.Result = nil
	t.CompletedAt = &now
	m.logger.Error("task failed", "task_id", t.ID, "retries", t.RetryCount, "err", msg)
	m.alertLocked(t.ID, msg)
}

// setProgress is called by handlers through Execution.
func (m *Manager) setProgress(exec *Execution, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	id := exec.task.ID
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if e.attempt != exec.attempt || e.task.Status != TaskStatusRunning {
		return invalidState("task %s is no longer running this attempt", id)
	}
	if progress <= e.task.Progress {
		return nil
	}
	e.task.Progress = progress
	e.task.UpdatedAt = m.now()
	return m.persistLocked(e.task, "update task progress")
}

func (m *Manager) statusOf(exec *Execution) (TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[exec.task.ID]
	if !ok || e.attempt != exec.attempt {
		return "", false
	}
	return e.task.Status, true
}
