package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"taskmgr/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// TaskService is the manager surface exposed as MCP tools.
type TaskService interface {
	CreateTask(ctx context.Context, in core.CreateTaskInput) (string, error)
	GetTask(ctx context.Context, id string) (*core.TaskView, error)
	ListRecentTasks(ctx context.Context, status core.TaskStatus, limit int) ([]*core.TaskView, error)
	UpdateTask(ctx context.Context, id string, upd core.TaskUpdate) error
	CancelTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error
	TaskLogs(ctx context.Context, id string, limit int) ([]core.TaskLog, error)
	Stats() core.Snapshot
}

// MCPServer exposes task management over the Model Context Protocol.
type MCPServer struct {
	tasks   TaskService
	types   func() []string
	logger  *slog.Logger
	version string
	srv     *server.MCPServer
}

// NewMCPServer creates the server and registers its tools. types lists the
// registered task types for tool descriptions and may be nil.
func NewMCPServer(tasks TaskService, types func() []string, logger *slog.Logger, version string) *MCPServer {
	s := &MCPServer{
		tasks:   tasks,
		types:   types,
		logger:  logger,
		version: version,
	}
	s.srv = server.NewMCPServer(
		"taskmgr",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.srv)
	return s
}

// Run serves MCP over stdio until stdin closes or the process is signalled.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// Handler returns the streamable HTTP transport for mounting on a router.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	typeHint := "Handler type, e.g. echo, sleep or command"
	if s.types != nil {
		if types := s.types(); len(types) > 0 {
			typeHint = "Handler type, one of: " + strings.Join(types, ", ")
		}
	}

	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a task. It is queued by priority and run by a registered handler."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Human readable task name"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description(typeHint),
		),
		mcp.WithString("priority",
			mcp.Description("low, normal, high or urgent (default normal)"),
			mcp.Enum("low", "normal", "high", "urgent"),
		),
		mcp.WithObject("params",
			mcp.Description("Handler parameters"),
		),
		mcp.WithString("scheduled_at",
			mcp.Description("RFC3339 time before which the task must not run"),
		),
		mcp.WithNumber("max_retries",
			mcp.Description("Retries after the first failed attempt, default 3"),
			mcp.Min(0),
			mcp.Max(100),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Per attempt timeout in seconds, at most 31536000; 0 disables it"),
			mcp.Min(0),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List recent tasks, newest first"),
		mcp.WithString("status",
			mcp.Description("Only include tasks in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled", "paused", "retrying"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of tasks to return, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("Change a task's name, priority, params or status"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("name",
			mcp.Description("New name"),
		),
		mcp.WithString("priority",
			mcp.Description("New priority"),
			mcp.Enum("low", "normal", "high", "urgent"),
		),
		mcp.WithObject("params",
			mcp.Description("Params merged into the existing ones"),
		),
		mcp.WithString("status",
			mcp.Description("New status, e.g. paused to hold a task or pending to requeue it"),
			mcp.Enum("pending", "paused", "cancelled"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Cancel a pending or running task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task and its logs"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_logs",
		mcp.WithDescription("Show the log lines recorded for a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of newest lines, default 50"),
			mcp.Min(1),
			mcp.Max(500),
		),
	), s.handleTaskLogs)

	mcpServer.AddTool(mcp.NewTool("task_stats",
		mcp.WithDescription("Show live counts by status and type"),
	), s.handleStats)

	s.logger.Info("MCP tools registered", "count", 8)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := core.CreateTaskInput{
		Name:   mcp.ParseString(request, "name", ""),
		Type:   mcp.ParseString(request, "type", ""),
		Params: objectArg(request, "params"),
	}
	if raw := mcp.ParseString(request, "priority", ""); raw != "" {
		p, err := core.ParsePriority(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		in.Priority = p
	}
	if raw := mcp.ParseString(request, "scheduled_at", ""); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid scheduled_at: %v", err)), nil
		}
		in.ScheduledAt = &at
	}
	if n, ok := numberArg(request, "max_retries"); ok {
		in.MaxRetries = &n
	}
	if n, ok := numberArg(request, "timeout"); ok {
		in.Timeout = &n
	}

	id, err := s.tasks.CreateTask(ctx, in)
	if err != nil {
		return s.toolError("create task", err), nil
	}
	s.logger.Info("task created via mcp", "task_id", id)
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s", id)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	var statusFilter core.TaskStatus
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st, err := core.ParseTaskStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		statusFilter = st
	}
	tasks, err := s.tasks.ListRecentTasks(ctx, statusFilter, limit)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}

	var b strings.Builder
	count := 0
	for _, t := range tasks {
		count++
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Name)
		fmt.Fprintf(&b, "  type: %s, priority: %s, progress: %d%%\n", t.Type, t.Priority, t.Progress)
		if t.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", truncateString(t.Error, 80))
		}
	}
	if count == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%s", count, b.String())), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	return mcp.NewToolResultText(describeTask(task)), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	var upd core.TaskUpdate
	if name := mcp.ParseString(request, "name", ""); name != "" {
		upd.Name = &name
	}
	if raw := mcp.ParseString(request, "priority", ""); raw != "" {
		p, err := core.ParsePriority(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		upd.Priority = &p
	}
	upd.Params = objectArg(request, "params")
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st := core.TaskStatus(raw)
		upd.Status = &st
	}
	if err := s.tasks.UpdateTask(ctx, taskID, upd); err != nil {
		return s.toolError("update task", err), nil
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	return mcp.NewToolResultText("Task updated\n" + describeTask(task)), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.CancelTask(ctx, taskID); err != nil {
		return s.toolError("cancel task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %s", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.DeleteTask(ctx, taskID); err != nil {
		return s.toolError("delete task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleTaskLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 50))
	logs, err := s.tasks.TaskLogs(ctx, taskID, limit)
	if err != nil {
		return s.toolError("list task logs", err), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No log lines"), nil
	}
	var b strings.Builder
	for _, l := range logs {
		fmt.Fprintf(&b, "%s %-5s %s\n", formatTime(&l.CreatedAt), strings.ToUpper(l.Level), l.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.tasks.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks in memory: %d\nQueued: %d\nRunning: %d\n", snap.Total, snap.Queued, snap.Running)
	if len(snap.ByStatus) > 0 {
		b.WriteString("\nBy status:\n")
		statuses := make([]string, 0, len(snap.ByStatus))
		for st := range snap.ByStatus {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(&b, "  %s: %d\n", st, snap.ByStatus[core.TaskStatus(st)])
		}
	}
	if len(snap.ByType) > 0 {
		b.WriteString("\nBy type:\n")
		types := make([]string, 0, len(snap.ByType))
		for t := range snap.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "  %s: %d\n", t, snap.ByType[t])
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// toolError turns a manager error into a tool error result. Unexpected
// errors are logged.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", verr))
	case errors.Is(err, core.ErrNotFound):
		return mcp.NewToolResultError("task not found")
	case errors.Is(err, core.ErrInvalidState):
		return mcp.NewToolResultError(err.Error())
	default:
		s.logger.Error(op, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", op, err))
	}
}

func describeTask(task *core.TaskView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Progress: %d%%\n", task.Progress)
	fmt.Fprintf(&b, "Retries: %d/%d\n", task.RetryCount, task.MaxRetries)
	if task.Timeout > 0 {
		fmt.Fprintf(&b, "Timeout: %d seconds\n", task.Timeout)
	}
	if len(task.Params) > 0 {
		if data, err := json.Marshal(task.Params); err == nil {
			fmt.Fprintf(&b, "Params: %s\n", data)
		}
	}
	if task.Result != nil {
		if data, err := json.Marshal(task.Result); err == nil {
			fmt.Fprintf(&b, "Result: %s\n", truncateString(string(data), 500))
		}
	}
	if task.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", task.Error)
	}
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&task.CreatedAt))
	if task.ScheduledAt != nil {
		fmt.Fprintf(&b, "Scheduled: %s\n", formatTime(task.ScheduledAt))
	}
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", formatTime(task.StartedAt))
	}
	if task.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", formatTime(task.CompletedAt))
	}
	return b.String()
}

func objectArg(request mcp.CallToolRequest, key string) map[string]any {
	obj, _ := request.GetArguments()[key].(map[string]any)
	return obj
}

func numberArg(request mcp.CallToolRequest, key string) (int, bool) {
	v, ok := request.GetArguments()[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
