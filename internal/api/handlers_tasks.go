package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"taskmgr/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Name        string         `json:"name" validate:"required"`
	Type        string         `json:"type" validate:"required"`
	Priority    core.Priority  `json:"priority" validate:"omitempty,min=1,max=4"`
	Params      map[string]any `json:"params"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	MaxRetries  *int           `json:"max_retries" validate:"omitempty,min=0,max=100"`
	Timeout     *int           `json:"timeout" validate:"omitempty,min=0,max=31536000"`
}

type updateTaskRequest struct {
	Name     *string        `json:"name" validate:"omitempty,min=1"`
	Priority *core.Priority `json:"priority" validate:"omitempty,min=1,max=4"`
	Params   map[string]any `json:"params"`
	Status   *string        `json:"status" validate:"omitempty,oneof=pending running completed failed cancelled paused retrying"`
	Progress *int           `json:"progress" validate:"omitempty,min=0,max=100"`
}

type taskResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	PriorityKey string         `json:"priority_name"`
	Params      map[string]any `json:"params"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	StartedAt   *string        `json:"started_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	ScheduledAt *string        `json:"scheduled_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Timeout     int            `json:"timeout"`
	DurationSec *float64       `json:"duration_s,omitempty"`
}

type taskLogResponse struct {
	ID        int64  `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	id, err := s.tasks.CreateTask(r.Context(), core.CreateTaskInput{
		Name:        req.Name,
		Type:        req.Type,
		Priority:    req.Priority,
		Params:      req.Params,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		Timeout:     req.Timeout,
	})
	if err != nil {
		s.writeServiceError(w, err, "create task")
		return
	}
	task, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 1000")
		return
	}
	var statusFilter core.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := core.ParseTaskStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		statusFilter = st
	}
	tasks, err := s.tasks.ListRecentTasks(r.Context(), statusFilter, limit)
	if err != nil {
		s.writeServiceError(w, err, "list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req updateTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	upd := core.TaskUpdate{
		Name:     req.Name,
		Priority: req.Priority,
		Params:   req.Params,
		Progress: req.Progress,
	}
	if req.Status != nil {
		st := core.TaskStatus(*req.Status)
		upd.Status = &st
	}
	if err := s.tasks.UpdateTask(r.Context(), taskID, upd); err != nil {
		s.writeServiceError(w, err, "update task")
		return
	}
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.CancelTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, err, "cancel task")
		return
	}
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.DeleteTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, err, "delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	logs, err := s.tasks.TaskLogs(r.Context(), taskID, limit)
	if err != nil {
		s.writeServiceError(w, err, "list task logs")
		return
	}
	res := make([]taskLogResponse, 0, len(logs))
	for _, l := range logs {
		res = append(res, taskLogResponse{
			ID:        l.ID,
			Level:     l.Level,
			Message:   l.Message,
			CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload: "+err.Error())
		return false
	}
	if err := core.ValidateStruct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return false
	}
	return true
}

// writeServiceError maps manager errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, op string) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_input", verr.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrStorage):
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusServiceUnavailable, "storage_error", "task store unavailable")
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func taskToResponse(task *core.TaskView) taskResponse {
	res := taskResponse{
		ID:          task.ID,
		Name:        task.Name,
		Type:        task.Type,
		Priority:    int(task.Priority),
		PriorityKey: task.Priority.String(),
		Params:      task.Params,
		Status:      string(task.Status),
		Progress:    task.Progress,
		Result:      task.Result,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:   formatOptional(task.StartedAt),
		CompletedAt: formatOptional(task.CompletedAt),
		ScheduledAt: formatOptional(task.ScheduledAt),
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		Timeout:     task.Timeout,
	}
	if d, ok := task.Duration(); ok {
		secs := d.Seconds()
		res.DurationSec = &secs
	}
	return res
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
