package overlay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNamingCollision reports two planned ports sharing a name on one switch.
// The naming scheme makes this structurally impossible; observing it means
// an invariant was violated and the reconciliation must not proceed.
var ErrNamingCollision = errors.New("tunnel port naming collision")

// ErrNetworkNotFound is returned for operations on unknown network ids.
var ErrNetworkNotFound = errors.New("network not found")

// PartialMeshError reports a mesh reconciliation in which some pairs
// converged and others did not. The network is left in a degraded overall
// state; each pair's outcome is individually enumerable.
type PartialMeshError struct {
	NetworkID string
	Pairs     []PairResult
}

func (e *PartialMeshError) Error() string {
	failed := 0
	var reasons []string
	for _, p := range e.Pairs {
		if p.Error != "" {
			failed++
			reasons = append(reasons, fmt.Sprintf("%s<->%s: %s", p.SwitchA, p.SwitchB, p.Error))
		}
	}
	return fmt.Sprintf("network %s: %d of %d tunnel pairs failed: %s",
		e.NetworkID, failed, len(e.Pairs), strings.Join(reasons, "; "))
}

// Failed returns the pairs that did not reach Up.
func (e *PartialMeshError) Failed() []PairResult {
	var out []PairResult
	for _, p := range e.Pairs {
		if p.Error != "" {
			out = append(out, p)
		}
	}
	return out
}

// PartialTeardownError reports a network deletion whose physical teardown
// was incomplete. The controller's own bookkeeping is already consistent;
// the listed operations need manual or next-reconcile cleanup.
type PartialTeardownError struct {
	NetworkID string
	Failures  []string
}

func (e *PartialTeardownError) Error() string {
	return fmt.Sprintf("network %s deleted with incomplete teardown: %s",
		e.NetworkID, strings.Join(e.Failures, "; "))
}
