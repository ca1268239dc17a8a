// Package notify delivers terminal task failures outside the process.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"taskmgr/internal/core"
)

var _ core.Notifier = (*Multi)(nil)

// Multi fans a notification out to every notifier and joins their errors.
type Multi struct {
	notifiers []core.Notifier
}

// NewMulti skips nil notifiers.
func NewMulti(notifiers ...core.Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *Multi) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a logger at warn level.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, title, body string) error {
	l.logger.WarnContext(ctx, "notification", "title", title, "body", body)
	return nil
}
