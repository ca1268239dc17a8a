package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Maintenance periodically purges finished tasks older than the retention
// period.
type Maintenance struct {
	manager   *Manager
	logger    *slog.Logger
	retention time.Duration
	schedule  cron.Schedule

	mu   sync.Mutex
	cron *cron.Cron
}

// NewMaintenance validates expr and builds a stopped maintenance job.
func NewMaintenance(manager *Manager, logger *slog.Logger, expr string, retention time.Duration) (*Maintenance, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		manager:   manager,
		logger:    logger,
		retention: retention,
		schedule:  schedule,
	}, nil
}

// Start schedules the cleanup job. ctx bounds each run.
func (mt *Maintenance) Start(ctx context.Context) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.cron != nil {
		return
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(mt.schedule, cron.FuncJob(func() { mt.Run(ctx) }))
	c.Start()
	mt.cron = c
	mt.logger.Info("maintenance scheduled", "next", mt.Next(time.Now().UTC()), "retention", mt.retention)
}

// Stop halts the cron and waits for a running cleanup to return.
func (mt *Maintenance) Stop() {
	mt.mu.Lock()
	c := mt.cron
	mt.cron = nil
	mt.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Run performs one cleanup pass.
func (mt *Maintenance) Run(ctx context.Context) {
	deleted, err := mt.manager.Cleanup(ctx, mt.retention)
	if err != nil {
		mt.logger.Error("maintenance cleanup", "err", err)
		return
	}
	if deleted > 0 {
		mt.logger.Info("maintenance cleanup finished", "deleted", deleted)
	}
}

// Next returns the next scheduled run after from.
func (mt *Maintenance) Next(from time.Time) time.Time {
	return mt.schedule.Next(from)
}
