package remote

import (
	"context"
	"time"
)

// timeoutExecutor applies a default deadline to commands whose context does
// not already carry one.
type timeoutExecutor struct {
	next Executor
	d    time.Duration
}

// WithTimeout wraps an executor so every command is bounded by d unless the
// caller set a tighter deadline. A non-positive d returns next unchanged.
func WithTimeout(next Executor, d time.Duration) Executor {
	if d <= 0 {
		return next
	}
	return &timeoutExecutor{next: next, d: d}
}

func (t *timeoutExecutor) Execute(ctx context.Context, target Target, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.d)
		defer cancel()
	}
	return t.next.Execute(ctx, target, command)
}

func (t *timeoutExecutor) Close() error { return t.next.Close() }
