package core

// Execution is a handler's view of one attempt of a task.
type Execution struct {
	m       *Manager
	task    *Task
	attempt uint64
	number  int
}

// ID is the task id.
func (x *Execution) ID() string { return x.task.ID }

// Task returns a copy of the task as it was when the attempt started.
func (x *Execution) Task() *Task { return x.task.Clone() }

// Params returns a copy of the task parameters.
func (x *Execution) Params() map[string]any { return cloneParams(x.task.Params) }

// Attempt is the 1-based attempt number.
func (x *Execution) Attempt() int { return x.number }

// SetProgress records progress in percent. Values are clamped to [0, 100]
// and progress never moves backwards during an attempt. It fails once the
// attempt is no longer the task's current run.
func (x *Execution) SetProgress(progress int) error {
	return x.m.setProgress(x, progress)
}

// Cancelled reports whether the task was cancelled or deleted while this
// attempt was running. Long handlers should check it between steps or
// watch their context.
func (x *Execution) Cancelled() bool {
	st, ok := x.m.statusOf(x)
	return !ok || st == TaskStatusCancelled
}

// Log appends a line to the task log.
func (x *Execution) Log(level, msg string) {
	x.m.deliver([]notice{{taskID: x.task.ID, level: level, msg: msg}})
}
