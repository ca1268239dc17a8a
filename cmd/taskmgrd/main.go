package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"taskmgr/internal/api"
	"taskmgr/internal/config"
	"taskmgr/internal/core"
	"taskmgr/internal/handlers"
	"taskmgr/internal/logging"
	taskmgrmcp "taskmgr/internal/mcp"
	"taskmgr/internal/notify"
	"taskmgr/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol when stdio is served.
	logOut := os.Stdout
	if cfg.Server.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskmgrd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.StateDir, logger)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	opts := core.Options{
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		PollInterval:      cfg.Scheduler.PollInterval,
		ErrorBackoff:      cfg.Scheduler.ErrorBackoff,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		DefaultTimeout:    cfg.Scheduler.DefaultTimeout,
		RecentWindow:      cfg.Scheduler.RecentWindow,
		Logs:              storeInst,
		Notifier:          buildNotifier(cfg, logger),
	}
	manager := core.NewManager(storeInst, logger, opts)
	handlers.RegisterDefaults(manager, logger, cfg.Scheduler.AllowCommands)

	if _, err := manager.Load(ctx); err != nil {
		return err
	}

	maintenance, err := core.NewMaintenance(manager, logger, cfg.Maintenance.CleanupCron, cfg.Retention())
	if err != nil {
		return err
	}

	manager.Start(ctx)
	maintenance.Start(context.WithoutCancel(ctx))
	defer maintenance.Stop()
	defer func() {
		if err := manager.Stop(cfg.ShutdownGrace); err != nil {
			logger.Warn("scheduler stop", "err", err)
		}
	}()

	mcpServer := taskmgrmcp.NewMCPServer(manager, manager.Registry().Types, logger, version)

	switch cfg.Server.Mode {
	case "http":
		return serveHTTP(ctx, cfg, api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, manager, mcpServer.Handler(), logger), logger, nil)
	case "mcp":
		return serveMCP(ctx, mcpServer, logger)
	case "both":
		mcpErr := make(chan error, 1)
		go func() {
			mcpErr <- mcpServer.Run()
		}()
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, manager, mcpServer.Handler(), logger)
		return serveHTTP(ctx, cfg, server, logger, mcpErr)
	default:
		return errors.New("invalid mode " + cfg.Server.Mode)
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	notifiers := []core.Notifier{notify.NewLog(logger)}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBark(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	return notify.NewMulti(notifiers...)
}

// serveHTTP runs the HTTP server until ctx is done, the server fails or
// mcpErr delivers. mcpErr may be nil.
func serveHTTP(ctx context.Context, cfg *config.Config, server *api.Server, logger *slog.Logger, mcpErr <-chan error) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		runErr = err
	case err := <-mcpErr:
		if err != nil {
			runErr = err
		} else {
			logger.Info("mcp stdio closed, shutting down")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	return runErr
}

func serveMCP(ctx context.Context, mcpServer *taskmgrmcp.MCPServer, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() {
		done <- mcpServer.Run()
	}()
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		return nil
	case err := <-done:
		return err
	}
}
