// Package handlers holds the task handlers the daemon registers by default.
package handlers

import (
	"fmt"
	"log/slog"
	"time"

	"taskmgr/internal/core"
)

// Task types registered by RegisterDefaults.
const (
	TypeEcho    = "echo"
	TypeSleep   = "sleep"
	TypeCommand = "command"
)

// Registrar is satisfied by *core.Manager.
type Registrar interface {
	RegisterHandler(taskType string, h core.Handler)
}

// RegisterDefaults registers the built-in handlers on r. The command
// handler is only registered when allowCommands is true.
func RegisterDefaults(r Registrar, logger *slog.Logger, allowCommands bool) {
	r.RegisterHandler(TypeEcho, Echo())
	r.RegisterHandler(TypeSleep, Sleep())
	if allowCommands {
		r.RegisterHandler(TypeCommand, NewCommand(logger))
	}
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}

func durationParam(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return parsed, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	default:
		return 0, fmt.Errorf("param %q must be a duration, got %T", key, v)
	}
}
