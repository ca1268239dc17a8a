package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskmgr/internal/core"
)

// maxOutput caps the captured combined output of a command.
const maxOutput = 64 << 10

// Command runs the "command" param through the system shell. Params:
// "command" (required) and "working_dir". The result holds the exit code
// and the tail of the combined output.
type Command struct {
	logger *slog.Logger
	// KillDelay is how long a command gets after SIGTERM before it is killed.
	KillDelay time.Duration
}

// NewCommand creates a command handler.
func NewCommand(logger *slog.Logger) *Command {
	return &Command{logger: logger, KillDelay: 5 * time.Second}
}

// Handle implements core.Handler.
func (c *Command) Handle(ctx context.Context, x *core.Execution) (any, error) {
	params := x.Params()
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("param \"command\" is required")
	}
	workingDir, err := stringParam(params, "working_dir")
	if err != nil {
		return nil, err
	}

	out := &tailBuffer{limit: maxOutput}
	cmd := commandForTask(ctx, command)
	cmd.Stdout = out
	cmd.Stderr = out
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Cancel = func() error {
		c.logger.Warn("task context done, sending termination", "task_id", x.ID(), "err", ctx.Err())
		return sendTermination(cmd.Process)
	}
	cmd.WaitDelay = c.KillDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	x.Log("info", fmt.Sprintf("started pid %d", cmd.Process.Pid))
	waitErr := cmd.Wait()

	result := map[string]any{"output": out.String()}
	if waitErr == nil {
		result["exit_code"] = 0
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return nil, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), lastLine(out.String()))
	}
	return nil, fmt.Errorf("wait command: %w", waitErr)
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

var _ io.Writer = (*tailBuffer)(nil)

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
