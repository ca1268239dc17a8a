package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskmgr/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TaskService is the manager surface exposed over HTTP.
type TaskService interface {
	CreateTask(ctx context.Context, in core.CreateTaskInput) (string, error)
	GetTask(ctx context.Context, id string) (*core.TaskView, error)
	ListRecentTasks(ctx context.Context, status core.TaskStatus, limit int) ([]*core.TaskView, error)
	UpdateTask(ctx context.Context, id string, upd core.TaskUpdate) error
	CancelTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error
	TaskLogs(ctx context.Context, id string, limit int) ([]core.TaskLog, error)
	Stats() core.Snapshot
	Statistics(ctx context.Context, days int) (*core.Statistics, error)
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	tasks      TaskService
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler is mounted at /mcp
// when it is not nil.
func NewServer(addr, authToken string, tasks TaskService, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		tasks:      tasks,
		mcpHandler: mcpHandler,
		logger:     logger,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	if s.mcpHandler != nil {
		mcpHandler := s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Get("/v1/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/stats", s.handleStats)
		r.Get("/statistics", s.handleStatistics)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})
	})
}
