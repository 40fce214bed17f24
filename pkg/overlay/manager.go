// Package overlay turns declared overlay-network intents into a converged
// mesh of point-to-point tunnels and auxiliary service ports across
// independent remote hosts.
package overlay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/creds"
	"github.com/recira/overmesh/pkg/inventory"
	"github.com/recira/overmesh/pkg/mesh"
	"github.com/recira/overmesh/pkg/vni"
	"github.com/recira/overmesh/pkg/vswitch"
)

// DriverFactory builds a switch driver for a host. Wired by the caller so
// the manager never depends on a concrete backend.
type DriverFactory func(h inventory.Host, cred creds.Credential) vswitch.Driver

// Options configures a Manager.
type Options struct {
	StatePath          string // declared-network state file
	HostsPath          string // host registry file
	MaxConcurrentPairs int    // mesh-wide reconcile fan-out cap, 0 = default
	Drivers            DriverFactory
	Creds              *creds.Store
}

const defaultMaxConcurrentPairs = 4

// Manager owns the declared networks and drives them to convergence.
type Manager struct {
	log   *zap.SugaredLogger
	inv   *inventory.Inventory
	alloc *vni.Allocator
	opts  Options
	store *stateStore

	mu           sync.Mutex
	networks     map[string]*Network
	tunnels      map[string]*Tunnel // live view, keyed by mesh.PairKey
	orphans      []inventory.OrphanEndpoint
	bootstrapped bool
}

// NewManager loads declared state and returns a Manager. Live tunnel state
// stays empty until Bootstrap runs discovery.
func NewManager(inv *inventory.Inventory, alloc *vni.Allocator, opts Options, log *zap.SugaredLogger) (*Manager, error) {
	if opts.MaxConcurrentPairs <= 0 {
		opts.MaxConcurrentPairs = defaultMaxConcurrentPairs
	}

	store := newStateStore(opts.StatePath)
	if err := store.load(); err != nil {
		return nil, fmt.Errorf("loading overlay state: %w", err)
	}

	m := &Manager{
		log:      log.Named("overlay"),
		inv:      inv,
		alloc:    alloc,
		opts:     opts,
		store:    store,
		networks: make(map[string]*Network),
		tunnels:  make(map[string]*Tunnel),
	}

	// The manager works on its own copies; the store's objects are never
	// mutated in place.
	for id, n := range store.networks() {
		c := n.clone()
		if c.ServicePorts == nil {
			c.ServicePorts = make(map[string]string)
		}
		m.networks[id] = c
		if _, err := alloc.Allocate(c.VNI, id); err != nil {
			return nil, fmt.Errorf("re-holding VNI %d for network %s: %w", c.VNI, id, err)
		}
	}

	m.log.Infow("overlay state loaded", "networks", len(m.networks))
	return m, nil
}

// Bootstrap refreshes every host and reconstructs live tunnel state from
// discovery. It must complete before any reconciliation runs so that
// reconcile never recreates a tunnel that already exists.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if failed := m.inv.RefreshAll(ctx); len(failed) > 0 {
		m.log.Warnw("some hosts unreachable during bootstrap", "hosts", failed)
	}
	m.syncFromDiscovery()

	m.mu.Lock()
	m.bootstrapped = true
	m.mu.Unlock()

	m.log.Infow("bootstrap complete",
		"hosts", len(m.inv.Hosts()),
		"switches", len(m.inv.Switches()),
		"tunnels", len(m.Tunnels()),
	)
	return nil
}

// syncFromDiscovery replaces the live tunnel view with what discovery finds
// on the hosts. Discovery is read-only; running it repeatedly is safe.
func (m *Manager) syncFromDiscovery() {
	discovered, orphans := m.inv.DiscoverTunnels()
	m.alloc.SetObserved(m.inv.ObservedVNIs())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tunnels = make(map[string]*Tunnel, len(discovered))
	for _, d := range discovered {
		key := mesh.PairKey(d.A.SwitchID, d.B.SwitchID, d.VNI)
		networkID, _ := m.alloc.Holder(d.VNI)
		m.tunnels[key] = &Tunnel{
			Key:       key,
			NetworkID: networkID,
			VNI:       d.VNI,
			A:         TunnelSide{SwitchID: d.A.SwitchID, HostID: d.A.HostID, Bridge: d.A.Bridge, PortName: d.A.PortName, Present: true},
			B:         TunnelSide{SwitchID: d.B.SwitchID, HostID: d.B.HostID, Bridge: d.B.Bridge, PortName: d.B.PortName, Present: true},
			State:     TunnelUp,
		}
	}
	m.orphans = orphans

	for _, o := range orphans {
		m.log.Warnw("orphan tunnel endpoint detected",
			"host", o.HostID, "bridge", o.Bridge, "port", o.PortName, "vni", o.VNI, "reason", o.Reason)
	}
}

// ─── Host lifecycle ──────────────────────────────────────────────────────────

// AddHostRequest describes a host to onboard.
type AddHostRequest struct {
	ManagementAddr string `json:"managementAddr"`
	DataPlaneAddr  string `json:"dataPlaneAddr,omitempty"` // defaults to management address
	User           string `json:"user"`
	Password       string `json:"password"`
	Local          bool   `json:"local,omitempty"`
}

// AddHost onboards a host: stores its credential, probes it, refreshes its
// switch set, and enables loop prevention on every bridge it carries.
func (m *Manager) AddHost(ctx context.Context, req AddHostRequest) (inventory.Host, error) {
	if req.ManagementAddr == "" && !req.Local {
		return inventory.Host{}, fmt.Errorf("management address required")
	}
	if req.DataPlaneAddr == "" {
		req.DataPlaneAddr = req.ManagementAddr
	}
	if req.User == "" {
		req.User = "root"
	}

	h := inventory.Host{
		ID:             uuid.NewString(),
		ManagementAddr: req.ManagementAddr,
		DataPlaneAddr:  req.DataPlaneAddr,
		User:           req.User,
		Local:          req.Local,
	}
	cred := creds.Credential{User: req.User, Password: req.Password}
	if err := m.opts.Creds.Put(h.ID, cred); err != nil {
		return inventory.Host{}, err
	}

	driver := m.opts.Drivers(h, cred)
	version, err := driver.Version(ctx)
	if err != nil {
		_ = m.opts.Creds.Forget(h.ID)
		return inventory.Host{}, fmt.Errorf("probing host %s: %w", req.ManagementAddr, err)
	}

	if err := m.inv.AddHost(h, driver); err != nil {
		_ = m.opts.Creds.Forget(h.ID)
		return inventory.Host{}, err
	}
	m.inv.SetHostDetails(h.ID, "", version)

	if err := m.inv.Refresh(ctx, h.ID); err != nil {
		m.log.Warnw("initial refresh failed", "host", h.ID, "error", err)
	}

	// Loop prevention at onboarding: every bridge that may join a mesh gets
	// STP before the first tunnel lands on it.
	for _, sw := range m.inv.Switches() {
		if sw.HostID != h.ID {
			continue
		}
		if err := m.EnsureLoopPrevention(ctx, sw.ID); err != nil {
			m.log.Warnw("loop prevention not enabled at onboarding", "switch", sw.ID, "error", err)
		}
	}

	if err := m.inv.SaveHosts(m.opts.HostsPath); err != nil {
		m.log.Warnw("saving host registry", "error", err)
	}

	host, _ := m.inv.Host(h.ID)
	m.log.Infow("host added", "host", h.ID, "addr", req.ManagementAddr, "ovs", version)
	return host, nil
}

// RegisterHost re-registers a persisted host at startup using its stored
// credential, without probing (bootstrap refresh will).
func (m *Manager) RegisterHost(h inventory.Host) error {
	cred, err := m.opts.Creds.Resolve(h.ID)
	if err != nil {
		return fmt.Errorf("host %s: %w", h.ID, err)
	}
	return m.inv.AddHost(h, m.opts.Drivers(h, cred))
}

// ForgetHost removes a host that no live network references.
func (m *Manager) ForgetHost(hostID string) error {
	m.mu.Lock()
	for _, n := range m.networks {
		for _, swID := range n.SwitchIDs {
			if sw, err := m.inv.Switch(swID); err == nil && sw.HostID == hostID {
				m.mu.Unlock()
				return fmt.Errorf("host %s is referenced by network %s", hostID, n.Name)
			}
		}
	}
	m.mu.Unlock()

	m.inv.ForgetHost(hostID)
	if err := m.opts.Creds.Forget(hostID); err != nil {
		return err
	}
	return m.inv.SaveHosts(m.opts.HostsPath)
}

// ─── Network lifecycle ───────────────────────────────────────────────────────

// CreateNetworkRequest is the declared intent for a new network.
type CreateNetworkRequest struct {
	Name      string   `json:"name"`
	SwitchIDs []string `json:"switchIds"`
	VNI       uint32   `json:"vni,omitempty"`
	Subnet    string   `json:"subnet,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
}

// CreateNetwork allocates a VNI, plans the full mesh, and reconciles it.
// The returned view enumerates every pair's outcome. When some pairs fail,
// the network is kept in a degraded state and the error is a
// *PartialMeshError; the view is still returned.
func (m *Manager) CreateNetwork(ctx context.Context, req CreateNetworkRequest) (*NetworkView, error) {
	if err := m.requireBootstrap(); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("network name required")
	}
	switchIDs := dedupe(req.SwitchIDs)
	if len(switchIDs) < 2 {
		return nil, fmt.Errorf("a mesh needs at least 2 member switches, got %d", len(switchIDs))
	}

	// Validate membership before reserving an identifier.
	members, err := mesh.MembersFromSwitches(m.inv, switchIDs)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	vniVal, err := m.alloc.Allocate(req.VNI, id)
	if err != nil {
		return nil, err
	}

	specs := mesh.Plan(vniVal, members)
	if err := validatePlan(specs); err != nil {
		m.alloc.Release(vniVal)
		return nil, err
	}

	n := &Network{
		ID:           id,
		Name:         req.Name,
		VNI:          vniVal,
		Subnet:       req.Subnet,
		Gateway:      req.Gateway,
		SwitchIDs:    switchIDs,
		ServicePorts: make(map[string]string),
		CreatedAt:    time.Now().UTC(),
	}

	// Name check and insert under one lock, so two concurrent creates with
	// the same name cannot both pass.
	m.mu.Lock()
	for _, existing := range m.networks {
		if existing.Name == req.Name {
			m.mu.Unlock()
			m.alloc.Release(vniVal)
			return nil, fmt.Errorf("network name %q already in use", req.Name)
		}
	}
	m.networks[id] = n
	m.mu.Unlock()
	m.persistNetwork(n)

	m.log.Infow("creating network", "network", id, "name", req.Name, "vni", vniVal, "members", len(members))

	pairs := m.ensureMesh(ctx, n, switchIDs, specs)
	view := m.view(n, pairs)
	if view.Degraded {
		return view, &PartialMeshError{NetworkID: id, Pairs: pairs}
	}
	return view, nil
}

// DeleteNetwork cascades: tunnels first (both sides, independently), then
// service ports, then the VNI returns to the free pool. The controller's
// bookkeeping is always left consistent; incomplete physical teardown is
// reported as a *PartialTeardownError.
func (m *Manager) DeleteNetwork(ctx context.Context, id string) error {
	m.mu.Lock()
	n, ok := m.networks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNetworkNotFound, id)
	}
	var toTear []*Tunnel
	for _, t := range m.tunnels {
		if t.VNI == n.VNI {
			toTear = append(toTear, t)
		}
	}
	serviceHosts := make([]string, 0, len(n.ServicePorts))
	for hostID := range n.ServicePorts {
		serviceHosts = append(serviceHosts, hostID)
	}
	m.mu.Unlock()
	sort.Strings(serviceHosts)

	m.log.Infow("deleting network", "network", id, "name", n.Name, "tunnels", len(toTear))

	var failures []string
	for _, t := range toTear {
		failures = append(failures, m.teardownTunnel(ctx, t)...)
	}
	for _, hostID := range serviceHosts {
		if err := m.RemoveServicePort(ctx, id, hostID); err != nil {
			failures = append(failures, fmt.Sprintf("service port on %s: %v", hostID, err))
		}
	}

	m.mu.Lock()
	delete(m.networks, id)
	m.mu.Unlock()
	m.store.removeNetwork(id)
	if err := m.store.save(); err != nil {
		m.log.Warnw("persisting network removal", "network", id, "error", err)
	}
	m.alloc.Release(n.VNI)

	if len(failures) > 0 {
		return &PartialTeardownError{NetworkID: id, Failures: failures}
	}
	return nil
}

// AddSwitch joins a switch into an existing network and meshes it with
// every current member.
func (m *Manager) AddSwitch(ctx context.Context, networkID, switchID string) (*NetworkView, error) {
	if err := m.requireBootstrap(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	n, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, networkID)
	}
	for _, id := range n.SwitchIDs {
		if id == switchID {
			m.mu.Unlock()
			return nil, fmt.Errorf("switch %s already a member of network %s", switchID, n.Name)
		}
	}
	m.mu.Unlock()

	if _, err := m.inv.Switch(switchID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	n.SwitchIDs = append(n.SwitchIDs, switchID)
	m.mu.Unlock()
	m.persistNetwork(n)

	pairs, err := m.ReconcileNetwork(ctx, networkID)
	if err != nil {
		return m.view(n, pairs), err
	}
	return m.view(n, pairs), nil
}

// ListNetworks returns a view of every declared network.
func (m *Manager) ListNetworks() []NetworkView {
	m.mu.Lock()
	nets := make([]*Network, 0, len(m.networks))
	for _, n := range m.networks {
		nets = append(nets, n)
	}
	m.mu.Unlock()

	sort.Slice(nets, func(i, j int) bool { return nets[i].Name < nets[j].Name })

	out := make([]NetworkView, 0, len(nets))
	for _, n := range nets {
		out = append(out, *m.view(n, nil))
	}
	return out
}

// GetNetwork returns one network's view.
func (m *Manager) GetNetwork(id string) (*NetworkView, error) {
	m.mu.Lock()
	n, ok := m.networks[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, id)
	}
	return m.view(n, nil), nil
}

// Tunnels returns the live tunnel view, ordered by key.
func (m *Manager) Tunnels() []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Orphans returns half-tunnels found by the last discovery pass.
func (m *Manager) Orphans() []inventory.OrphanEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]inventory.OrphanEndpoint, len(m.orphans))
	copy(out, m.orphans)
	return out
}

// ─── Views ───────────────────────────────────────────────────────────────────

// view assembles a NetworkView. pairs may be nil for read-only callers.
func (m *Manager) view(n *Network, pairs []PairResult) *NetworkView {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tunnels []Tunnel
	for _, t := range m.tunnels {
		if t.VNI == n.VNI {
			tunnels = append(tunnels, *t)
		}
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].Key < tunnels[j].Key })

	expected := len(n.SwitchIDs) * (len(n.SwitchIDs) - 1) / 2
	degraded := len(tunnels) != expected
	for _, t := range tunnels {
		if t.State != TunnelUp {
			degraded = true
		}
	}
	for _, p := range pairs {
		if p.Error != "" {
			degraded = true
		}
	}

	// The view is marshaled outside the lock; it must not alias the live
	// network's maps or slices.
	view := &NetworkView{
		Network:  *n.clone(),
		Degraded: degraded,
		Tunnels:  tunnels,
		Pairs:    pairs,
	}
	return view
}

// persistNetwork snapshots a network under the manager lock and writes the
// detached copy to the store, so saving never marshals objects a concurrent
// operation is mutating.
func (m *Manager) persistNetwork(n *Network) {
	m.mu.Lock()
	_, live := m.networks[n.ID]
	snap := n.clone()
	m.mu.Unlock()

	// A concurrent delete wins: never write a removed network back.
	if !live {
		return
	}

	m.store.setNetwork(snap)
	if err := m.store.save(); err != nil {
		m.log.Warnw("persisting network", "network", n.ID, "error", err)
	}
}

func (m *Manager) requireBootstrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bootstrapped {
		return fmt.Errorf("discovery has not completed; reconciliation refused")
	}
	return nil
}

// validatePlan enforces the structural invariant that no two planned ports
// on one switch share a name.
func validatePlan(specs []mesh.TunnelSpec) error {
	seen := make(map[string]bool)
	for _, s := range specs {
		for _, ep := range []mesh.Endpoint{s.A, s.B} {
			k := ep.SwitchID + "/" + ep.PortName
			if seen[k] {
				return fmt.Errorf("%w: %s on switch %s", ErrNamingCollision, ep.PortName, ep.SwitchID)
			}
			seen[k] = true
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
