package handlers

import (
	"context"
	"fmt"
	"time"

	"taskmgr/internal/core"
)

// Sleep waits for the "duration" param (a Go duration string or seconds,
// default 1s) in "steps" increments (default 10), reporting progress after
// each one. It stops early when the task is cancelled or its deadline hits.
func Sleep() core.Handler {
	return core.HandlerFunc(func(ctx context.Context, exec *core.Execution) (any, error) {
		params := exec.Params()
		total, err := durationParam(params, "duration", time.Second)
		if err != nil {
			return nil, err
		}
		steps, err := intParam(params, "steps", 10)
		if err != nil {
			return nil, err
		}
		if total < 0 {
			return nil, fmt.Errorf("duration must not be negative")
		}
		if steps <= 0 {
			steps = 1
		}
		step := total / time.Duration(steps)
		timer := time.NewTimer(step)
		defer timer.Stop()
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("sleep interrupted at step %d/%d: %w", i, steps, ctx.Err())
			case <-timer.C:
			}
			if exec.Cancelled() {
				return nil, context.Canceled
			}
			if err := exec.SetProgress(i * 100 / steps); err != nil {
				return nil, err
			}
			timer.Reset(step)
		}
		return map[string]any{"slept": total.String()}, nil
	})
}
