package handlers

import (
	"context"
	"errors"

	"taskmgr/internal/core"
)

// Echo returns its params as the result. A "fail" param set to a string
// makes the attempt fail with that message, which is handy for exercising
// retries.
func Echo() core.Handler {
	return core.HandlerFunc(func(ctx context.Context, exec *core.Execution) (any, error) {
		params := exec.Params()
		if msg, err := stringParam(params, "fail"); err != nil {
			return nil, err
		} else if msg != "" {
			return nil, errors.New(msg)
		}
		delete(params, "fail")
		return params, nil
	})
}
