package remote

import "context"

// Router dispatches commands to the local or SSH executor based on the
// target, so callers hold a single Executor for a mixed host set.
type Router struct {
	ssh   Executor
	local Executor
}

// NewRouter wraps an SSH and a local executor.
func NewRouter(ssh, local Executor) *Router {
	return &Router{ssh: ssh, local: local}
}

func (r *Router) Execute(ctx context.Context, target Target, command string) (string, error) {
	if target.Local {
		return r.local.Execute(ctx, target, command)
	}
	return r.ssh.Execute(ctx, target, command)
}

func (r *Router) Close() error {
	if err := r.local.Close(); err != nil {
		_ = r.ssh.Close()
		return err
	}
	return r.ssh.Close()
}

var _ Executor = (*Router)(nil)
