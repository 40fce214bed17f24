package remote

import (
	"errors"
	"fmt"
)

// ErrUnreachable classifies connection-level failures: dial errors, refused
// connections, broken transports. Operations on an unreachable host are
// skipped by callers, not treated as fatal.
var ErrUnreachable = errors.New("host unreachable")

// ErrTimeout classifies an expired command. The command outcome is unknown:
// neither confirmed success nor failure. Callers must re-verify remote state
// with an enumeration command instead of retrying the mutation blindly.
var ErrTimeout = errors.New("command timed out")

// ExitError reports a command that ran to completion with a non-zero exit
// status, carrying the captured output for diagnosis.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Code, e.Output)
}

// IsUnreachable reports whether err is a connectivity-class failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsUnknown reports whether err left the remote state unknown (timeout).
func IsUnknown(err error) bool {
	return errors.Is(err, ErrTimeout)
}
