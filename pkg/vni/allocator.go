// Package vni allocates virtual network identifiers from a bounded integer
// space, avoiding collisions with identifiers held by live networks and with
// identifiers observed in use on hosts by discovery.
package vni

import (
	"errors"
	"fmt"
	"sync"
)

// Default identifier space. The VXLAN VNI field is 24 bits; the low range is
// reserved so hand-configured tunnels outside the controller don't collide
// with allocations by accident.
const (
	DefaultMin = 1000
	DefaultMax = 1<<24 - 1
)

// ErrConflict is returned when a requested identifier is already held by a
// live network or observed in use on a host.
var ErrConflict = errors.New("identifier conflict")

// ErrExhausted is returned when no free identifier remains in the space.
var ErrExhausted = errors.New("identifier space exhausted")

// Allocator hands out VNIs. The partition it reserves is authoritative the
// moment Allocate returns, before any tunnel is created.
type Allocator struct {
	mu       sync.Mutex
	min, max uint32
	held     map[uint32]string // vni -> owning network id
	observed map[uint32]bool   // seen in use by discovery, not owned here
}

// NewAllocator returns an Allocator over [min, max]. Zero values select the
// defaults.
func NewAllocator(min, max uint32) *Allocator {
	if min == 0 {
		min = DefaultMin
	}
	if max == 0 {
		max = DefaultMax
	}
	return &Allocator{
		min:      min,
		max:      max,
		held:     make(map[uint32]string),
		observed: make(map[uint32]bool),
	}
}

// Allocate reserves an identifier for owner. If requested is non-zero it is
// granted only when free, otherwise ErrConflict; if zero, the allocator
// scans upward from the bottom of the space and returns the first value
// neither held nor observed in use.
func (a *Allocator) Allocate(requested uint32, owner string) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if requested != 0 {
		if requested < a.min || requested > a.max {
			return 0, fmt.Errorf("VNI %d outside allocatable range [%d, %d]", requested, a.min, a.max)
		}
		if holder, ok := a.held[requested]; ok {
			return 0, fmt.Errorf("%w: VNI %d held by network %s", ErrConflict, requested, holder)
		}
		if a.observed[requested] {
			return 0, fmt.Errorf("%w: VNI %d observed in use on a host", ErrConflict, requested)
		}
		a.held[requested] = owner
		return requested, nil
	}

	for v := a.min; v <= a.max; v++ {
		if _, ok := a.held[v]; ok {
			continue
		}
		if a.observed[v] {
			continue
		}
		a.held[v] = owner
		return v, nil
	}
	return 0, ErrExhausted
}

// Release returns an identifier to the free pool immediately. Safe once all
// tunnels referencing it have been removed from the controller's own
// bookkeeping; physical teardown across hosts is best-effort.
func (a *Allocator) Release(v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, v)
}

// Observe marks an identifier as in use on a host (discovery input). An
// identifier already held by a network is left alone: the holding is what
// makes it unavailable.
func (a *Allocator) Observe(v uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[v]; !ok {
		a.observed[v] = true
	}
}

// SetObserved replaces the observed set wholesale (a fresh discovery pass).
func (a *Allocator) SetObserved(vnis []uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.observed = make(map[uint32]bool, len(vnis))
	for _, v := range vnis {
		if _, ok := a.held[v]; !ok {
			a.observed[v] = true
		}
	}
}

// Holder returns the network owning v, if any.
func (a *Allocator) Holder(v uint32) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.held[v]
	return owner, ok
}

// Held returns a snapshot of held identifiers by owner.
func (a *Allocator) Held() map[uint32]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint32]string, len(a.held))
	for v, owner := range a.held {
		out[v] = owner
	}
	return out
}
