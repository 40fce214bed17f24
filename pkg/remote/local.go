package remote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LocalExecutor runs commands on the controller's own host. Used when the
// controller itself carries a virtual switch (the "localhost" host type).
// Commands are serialized the same way SSH commands are.
type LocalExecutor struct {
	log *zap.SugaredLogger
	mu  sync.Mutex
}

// NewLocalExecutor returns a LocalExecutor.
func NewLocalExecutor(log *zap.SugaredLogger) *LocalExecutor {
	return &LocalExecutor{log: log.Named("local")}
}

// Execute runs command through the local shell.
func (e *LocalExecutor) Execute(ctx context.Context, _ Target, command string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	output := string(out)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %q", ErrTimeout, command)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{
				Command: command,
				Code:    exitErr.ExitCode(),
				Output:  strings.TrimSpace(output),
			}
		}
		return output, fmt.Errorf("%w: running %q: %v", ErrUnreachable, command, err)
	}
	return output, nil
}

// Close is a no-op for local execution.
func (e *LocalExecutor) Close() error { return nil }
