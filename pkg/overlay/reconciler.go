package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recira/overmesh/pkg/inventory"
	"github.com/recira/overmesh/pkg/mesh"
	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vswitch"
)

// ReconcileNetwork converges one network: missing pairs are created, stale
// tunnels (members that left) are torn down, pairs already up are left
// untouched. Returns the per-pair outcomes and a *PartialMeshError when any
// pair could not be converged.
func (m *Manager) ReconcileNetwork(ctx context.Context, networkID string) ([]PairResult, error) {
	if err := m.requireBootstrap(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	n, ok := m.networks[networkID]
	var switchIDs []string
	if ok {
		switchIDs = append([]string(nil), n.SwitchIDs...)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, networkID)
	}

	members, err := mesh.MembersFromSwitches(m.inv, switchIDs)
	if err != nil {
		return nil, err
	}
	specs := mesh.Plan(n.VNI, members)
	if err := validatePlan(specs); err != nil {
		return nil, err
	}

	m.removeStaleTunnels(ctx, n, specs)

	pairs := m.ensureMesh(ctx, n, switchIDs, specs)
	for _, p := range pairs {
		if p.Error != "" {
			return pairs, &PartialMeshError{NetworkID: networkID, Pairs: pairs}
		}
	}
	return pairs, nil
}

// removeStaleTunnels tears down tunnels carrying the network's VNI whose
// pair is no longer in the desired mesh.
func (m *Manager) removeStaleTunnels(ctx context.Context, n *Network, specs []mesh.TunnelSpec) {
	desired := make(map[string]bool, len(specs))
	for _, s := range specs {
		desired[s.Key()] = true
	}

	m.mu.Lock()
	var stale []*Tunnel
	for key, t := range m.tunnels {
		if t.VNI == n.VNI && !desired[key] {
			stale = append(stale, t)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		m.log.Infow("removing stale tunnel", "network", n.ID, "tunnel", t.Key)
		if failures := m.teardownTunnel(ctx, t); len(failures) > 0 {
			m.log.Warnw("stale tunnel teardown incomplete", "tunnel", t.Key, "failures", failures)
		}
	}
}

// ensureMesh converges every pair of the plan. Loop prevention is checked
// per member switch first; pairs touching a switch where it could not be
// enabled are failed without attempting tunnel commands. Pair work fans out
// across hosts with a bounded group.
func (m *Manager) ensureMesh(ctx context.Context, n *Network, switchIDs []string, specs []mesh.TunnelSpec) []PairResult {
	stpErr := make(map[string]error)
	for _, swID := range switchIDs {
		if err := m.EnsureLoopPrevention(ctx, swID); err != nil {
			stpErr[swID] = err
			m.log.Warnw("loop prevention unavailable", "switch", swID, "error", err)
		}
	}

	results := make([]PairResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrentPairs)

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			if err, ok := firstSTPError(stpErr, spec); ok {
				results[i] = PairResult{
					SwitchA: spec.A.SwitchID, SwitchB: spec.B.SwitchID,
					PortA: spec.A.PortName, PortB: spec.B.PortName,
					State: TunnelPlanned,
					Error: fmt.Sprintf("loop prevention unavailable: %v", err),
				}
				return nil
			}
			results[i] = m.ensurePair(gctx, n, spec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func firstSTPError(stpErr map[string]error, spec mesh.TunnelSpec) (error, bool) {
	if err, ok := stpErr[spec.A.SwitchID]; ok {
		return err, true
	}
	if err, ok := stpErr[spec.B.SwitchID]; ok {
		return err, true
	}
	return nil, false
}

// ensurePair converges a single tunnel. Sides already present are never
// recreated; missing sides are created in parallel and BOTH outcomes are
// awaited before deciding. On partial failure the side created in this
// attempt is rolled back so no half-tunnel is left behind by us.
func (m *Manager) ensurePair(ctx context.Context, n *Network, spec mesh.TunnelSpec) PairResult {
	res := PairResult{
		SwitchA: spec.A.SwitchID, SwitchB: spec.B.SwitchID,
		PortA: spec.A.PortName, PortB: spec.B.PortName,
	}
	key := spec.Key()

	presentA := m.portPresent(spec.A, spec.VNI)
	presentB := m.portPresent(spec.B, spec.VNI)

	if presentA && presentB {
		m.recordTunnel(n, spec, true, true)
		res.State = TunnelUp
		return res
	}

	m.recordTunnelState(key, n, spec, TunnelCreating)

	type sideResult struct {
		created bool
		err     error
	}
	var (
		wg   sync.WaitGroup
		outA = sideResult{created: presentA}
		outB = sideResult{created: presentB}
	)
	if !presentA {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outA.err = m.createEndpoint(ctx, spec.A, spec.VNI)
			outA.created = outA.err == nil
		}()
	}
	if !presentB {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outB.err = m.createEndpoint(ctx, spec.B, spec.VNI)
			outB.created = outB.err == nil
		}()
	}
	wg.Wait()

	if outA.created && outB.created {
		m.recordTunnel(n, spec, true, true)
		res.State = TunnelUp
		m.log.Infow("tunnel up", "network", n.ID, "tunnel", key)
		return res
	}

	// Partial outcome: roll back only what this attempt created, leaving any
	// pre-existing endpoint for the orphan report rather than dropping it.
	if outA.created && !presentA && !outB.created {
		m.rollbackEndpoint(ctx, spec.A)
		outA.created = false
	}
	if outB.created && !presentB && !outA.created {
		m.rollbackEndpoint(ctx, spec.B)
		outB.created = false
	}

	err := errors.Join(outA.err, outB.err)
	res.Error = err.Error()
	if outA.created || outB.created {
		res.State = TunnelDegraded
		m.recordTunnel(n, spec, outA.created, outB.created)
	} else {
		res.State = TunnelPlanned
		m.dropTunnelRecord(key)
	}
	m.log.Warnw("tunnel pair failed", "network", n.ID, "tunnel", key, "error", err)
	return res
}

// createEndpoint issues the tunnel-port command on one side. A timeout is an
// unknown outcome: the port list is re-enumerated and the command is only
// treated as failed if the port is genuinely absent.
func (m *Manager) createEndpoint(ctx context.Context, ep mesh.Endpoint, vniVal uint32) error {
	sw, err := m.inv.Switch(ep.SwitchID)
	if err != nil {
		return err
	}
	driver, err := m.inv.DriverFor(sw.HostID)
	if err != nil {
		return err
	}

	err = driver.CreateTunnelPort(ctx, sw.Name, ep.PortName, vswitch.TunnelPortSpec{
		RemoteIP: ep.RemoteIP,
		VNI:      vniVal,
	})
	if err != nil {
		if remote.IsUnknown(err) {
			present, verr := m.verifyPortPresent(ctx, driver, sw, ep.PortName)
			if verr == nil && present {
				m.recordPort(sw, ep, vniVal)
				return nil
			}
		}
		return fmt.Errorf("creating %s on %s: %w", ep.PortName, ep.SwitchID, err)
	}

	m.recordPort(sw, ep, vniVal)
	return nil
}

func (m *Manager) recordPort(sw inventory.Switch, ep mesh.Endpoint, vniVal uint32) {
	m.inv.RecordPort(sw.ID, vswitch.PortInfo{
		Name:     ep.PortName,
		Role:     vswitch.RoleTunnel,
		RemoteIP: ep.RemoteIP,
		VNI:      vniVal,
	})
}

// rollbackEndpoint best-effort deletes a port created by a failed pair
// attempt. A rollback failure leaves an orphan, which discovery will report.
func (m *Manager) rollbackEndpoint(ctx context.Context, ep mesh.Endpoint) {
	sw, err := m.inv.Switch(ep.SwitchID)
	if err != nil {
		return
	}
	driver, err := m.inv.DriverFor(sw.HostID)
	if err != nil {
		return
	}
	if err := driver.DeletePort(ctx, sw.Name, ep.PortName); err != nil {
		m.log.Warnw("rollback failed, orphan port remains",
			"switch", ep.SwitchID, "port", ep.PortName, "error", err)
		return
	}
	m.inv.DropPort(sw.ID, ep.PortName)
	m.log.Infow("rolled back half-created tunnel side", "switch", ep.SwitchID, "port", ep.PortName)
}

// verifyPortPresent re-enumerates a switch's ports to resolve an unknown
// command outcome.
func (m *Manager) verifyPortPresent(ctx context.Context, driver vswitch.Driver, sw inventory.Switch, portName string) (bool, error) {
	ports, err := driver.ListPorts(ctx, sw.Name)
	if err != nil {
		return false, err
	}
	for _, p := range ports {
		if p.Name == portName {
			return true, nil
		}
	}
	return false, nil
}

// teardownTunnel removes both sides of a tunnel, each independently. An
// unreachable side is reported but never blocks the other. A delete failure
// is retried once after fresh enumeration confirms the port still exists.
// Returns human-readable failures for sides left behind.
func (m *Manager) teardownTunnel(ctx context.Context, t *Tunnel) []string {
	m.setTunnelState(t.Key, TunnelDeleting)

	var failures []string
	remaining := map[string]bool{}
	for _, side := range []TunnelSide{t.A, t.B} {
		if !side.Present {
			continue
		}
		if err := m.deleteSide(ctx, side); err != nil {
			failures = append(failures, fmt.Sprintf("%s/%s: %v", side.SwitchID, side.PortName, err))
			remaining[side.SwitchID] = true
		}
	}

	m.mu.Lock()
	if len(remaining) == 0 {
		delete(m.tunnels, t.Key)
	} else if cur, ok := m.tunnels[t.Key]; ok {
		cur.State = TunnelDegraded
		cur.A.Present = remaining[cur.A.SwitchID]
		cur.B.Present = remaining[cur.B.SwitchID]
	}
	m.mu.Unlock()

	return failures
}

func (m *Manager) deleteSide(ctx context.Context, side TunnelSide) error {
	sw, err := m.inv.Switch(side.SwitchID)
	if err != nil {
		// Switch no longer tracked: nothing left to delete on our books.
		return nil
	}
	driver, err := m.inv.DriverFor(sw.HostID)
	if err != nil {
		return err
	}

	err = driver.DeletePort(ctx, sw.Name, side.PortName)
	if err != nil && !remote.IsUnreachable(err) {
		// Re-enumerate before retrying: the port may already be gone.
		present, verr := m.verifyPortPresent(ctx, driver, sw, side.PortName)
		if verr == nil && !present {
			err = nil
		} else if verr == nil {
			err = driver.DeletePort(ctx, sw.Name, side.PortName)
		}
	}
	if err != nil {
		return err
	}

	m.inv.DropPort(sw.ID, side.PortName)
	return nil
}

// ─── Tunnel bookkeeping ──────────────────────────────────────────────────────

func (m *Manager) portPresent(ep mesh.Endpoint, vniVal uint32) bool {
	sw, err := m.inv.Switch(ep.SwitchID)
	if err != nil {
		return false
	}
	for _, p := range sw.Ports {
		if p.Name == ep.PortName && p.Role == vswitch.RoleTunnel && p.VNI == vniVal {
			return true
		}
	}
	return false
}

func (m *Manager) recordTunnel(n *Network, spec mesh.TunnelSpec, presentA, presentB bool) {
	key := spec.Key()
	state := TunnelUp
	if !presentA || !presentB {
		state = TunnelDegraded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels[key] = &Tunnel{
		Key:       key,
		NetworkID: n.ID,
		VNI:       spec.VNI,
		A:         TunnelSide{SwitchID: spec.A.SwitchID, HostID: spec.A.HostID, Bridge: spec.A.Bridge, PortName: spec.A.PortName, Present: presentA},
		B:         TunnelSide{SwitchID: spec.B.SwitchID, HostID: spec.B.HostID, Bridge: spec.B.Bridge, PortName: spec.B.PortName, Present: presentB},
		State:     state,
	}
}

func (m *Manager) recordTunnelState(key string, n *Network, spec mesh.TunnelSpec, state TunnelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[key]; ok {
		t.State = state
		return
	}
	m.tunnels[key] = &Tunnel{
		Key:       key,
		NetworkID: n.ID,
		VNI:       spec.VNI,
		A:         TunnelSide{SwitchID: spec.A.SwitchID, HostID: spec.A.HostID, Bridge: spec.A.Bridge, PortName: spec.A.PortName},
		B:         TunnelSide{SwitchID: spec.B.SwitchID, HostID: spec.B.HostID, Bridge: spec.B.Bridge, PortName: spec.B.PortName},
		State:     state,
	}
}

func (m *Manager) setTunnelState(key string, state TunnelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[key]; ok {
		t.State = state
	}
}

func (m *Manager) dropTunnelRecord(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, key)
}

// ─── Background loop ─────────────────────────────────────────────────────────

// RunReconciler periodically refreshes the inventory, re-runs discovery, and
// converges every declared network until the context is cancelled.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m.log.Infow("reconciler started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			m.reconcileAll(ctx)
		}
	}
}

func (m *Manager) reconcileAll(ctx context.Context) {
	if failed := m.inv.RefreshAll(ctx); len(failed) > 0 {
		m.log.Warnw("hosts unreachable during refresh", "hosts", failed)
	}
	m.syncFromDiscovery()

	m.mu.Lock()
	ids := make([]string, 0, len(m.networks))
	for id := range m.networks {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := m.ReconcileNetwork(ctx, id); err != nil {
			m.log.Warnw("network not fully converged", "network", id, "error", err)
		}
	}
}
