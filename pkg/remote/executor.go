// Package remote executes single management commands on hosts reachable
// over SSH (or locally for the controller's own host). Every command runs
// in its own session; commands targeting the same host are serialized so
// that mutating operations never interleave on one device.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Target identifies a host to run a command on.
type Target struct {
	HostID string // stable host identity, used for connection caching
	Addr   string // management address, host or host:port
	User   string
	Secret string // resolved credential (password)
	Local  bool   // run on the controller host instead of dialing out
}

// Executor runs one idempotent management command on a target host and
// returns its combined output.
type Executor interface {
	Execute(ctx context.Context, target Target, command string) (string, error)
	Close() error
}

const (
	defaultPort           = "22"
	defaultCommandTimeout = 30 * time.Second
	dialTimeout           = 10 * time.Second
	maxDialRetries        = 2
)

// SSHExecutor is an Executor that dials hosts over SSH with password auth.
// Connections are cached per host and re-established on failure.
type SSHExecutor struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	hosts map[string]*hostConn
}

// hostConn holds the cached SSH client for one host. Its mutex is held for
// the full duration of a command, which gives the per-host serialization
// guarantee.
type hostConn struct {
	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor returns an SSHExecutor.
func NewSSHExecutor(log *zap.SugaredLogger) *SSHExecutor {
	return &SSHExecutor{
		log:   log.Named("ssh"),
		hosts: make(map[string]*hostConn),
	}
}

// Execute runs command on target, serialized against other commands for the
// same host. A context deadline bounds the whole operation; expiry yields
// ErrTimeout, which means the command outcome is unknown and must be
// re-verified by enumeration, never blindly retried.
func (e *SSHExecutor) Execute(ctx context.Context, target Target, command string) (string, error) {
	hc := e.conn(target.HostID)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.client == nil {
		client, err := e.dial(ctx, target)
		if err != nil {
			return "", err
		}
		hc.client = client
	}

	out, err := runSession(ctx, hc.client, command)
	if err != nil {
		// Transport-level failures invalidate the cached client so the
		// next command re-dials.
		if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
			hc.client.Close()
			hc.client = nil
		}
		return out, err
	}
	return out, nil
}

// Close tears down all cached connections.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, hc := range e.hosts {
		hc.mu.Lock()
		if hc.client != nil {
			hc.client.Close()
			hc.client = nil
		}
		hc.mu.Unlock()
		delete(e.hosts, id)
	}
	return nil
}

func (e *SSHExecutor) conn(hostID string) *hostConn {
	e.mu.Lock()
	defer e.mu.Unlock()

	hc, ok := e.hosts[hostID]
	if !ok {
		hc = &hostConn{}
		e.hosts[hostID] = hc
	}
	return hc
}

func (e *SSHExecutor) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	addr := target.Addr
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + defaultPort
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	var client *ssh.Client
	op := func() error {
		c, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		e.log.Warnw("ssh dial failed", "host", target.HostID, "addr", addr, "error", err)
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrUnreachable, addr, err)
	}

	e.log.Debugw("ssh connected", "host", target.HostID, "addr", addr)
	return client, nil
}

// runSession executes one command in a fresh session, honoring ctx.
func runSession(ctx context.Context, client *ssh.Client, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: opening session: %v", ErrUnreachable, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		// Outcome unknown. Kill the session; the caller decides whether
		// to re-verify via enumeration.
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%w: %q", ErrTimeout, command)
	case r := <-done:
		output := string(r.out)
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				return output, &ExitError{
					Command: command,
					Code:    exitErr.ExitStatus(),
					Output:  strings.TrimSpace(output),
				}
			}
			return output, fmt.Errorf("%w: running %q: %v", ErrUnreachable, command, r.err)
		}
		return output, nil
	}
}
