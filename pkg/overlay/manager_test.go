package overlay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/creds"
	"github.com/recira/overmesh/pkg/inventory"
	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vni"
	"github.com/recira/overmesh/pkg/vswitch"
)

// fakeDevice is the authoritative state of one host, shared between its
// driver and the assertions.
type fakeDevice struct {
	mu          sync.Mutex
	stp         bool
	ports       map[string]vswitch.PortInfo // port name -> info, single bridge "br0"
	unreachable bool

	// failCreate injects a creation failure. When timeoutButCreated is set
	// the command "times out" after the device actually applied it.
	failCreate        error
	timeoutButCreated bool

	createCalls int
	deleteCalls int
	stpSets     int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{ports: make(map[string]vswitch.PortInfo)}
}

type fakeDriver struct {
	hostID string
	dev    *fakeDevice
}

func (d *fakeDriver) down() error {
	return fmt.Errorf("%w: host %s down", remote.ErrUnreachable, d.hostID)
}

func (d *fakeDriver) ListBridges(context.Context) ([]vswitch.BridgeInfo, error) {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	if d.dev.unreachable {
		return nil, d.down()
	}
	return []vswitch.BridgeInfo{{Name: "br0", STP: d.dev.stp}}, nil
}

func (d *fakeDriver) ListPorts(context.Context, string) ([]vswitch.PortInfo, error) {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	if d.dev.unreachable {
		return nil, d.down()
	}
	out := make([]vswitch.PortInfo, 0, len(d.dev.ports))
	for _, p := range d.dev.ports {
		out = append(out, p)
	}
	return out, nil
}

func (d *fakeDriver) CreateTunnelPort(_ context.Context, _ string, port string, spec vswitch.TunnelPortSpec) error {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	d.dev.createCalls++
	if d.dev.unreachable {
		return d.down()
	}
	if d.dev.failCreate != nil {
		if d.dev.timeoutButCreated {
			d.dev.ports[port] = vswitch.PortInfo{Name: port, Role: vswitch.RoleTunnel, RemoteIP: spec.RemoteIP, VNI: spec.VNI}
		}
		return d.dev.failCreate
	}
	d.dev.ports[port] = vswitch.PortInfo{Name: port, Role: vswitch.RoleTunnel, RemoteIP: spec.RemoteIP, VNI: spec.VNI}
	return nil
}

func (d *fakeDriver) CreateServicePort(_ context.Context, _ string, port string, spec vswitch.ServicePortSpec) error {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	d.dev.createCalls++
	if d.dev.unreachable {
		return d.down()
	}
	d.dev.ports[port] = vswitch.PortInfo{Name: port, Role: vswitch.RoleGateway, VNI: spec.VNI}
	return nil
}

func (d *fakeDriver) DeletePort(_ context.Context, _ string, port string) error {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	d.dev.deleteCalls++
	if d.dev.unreachable {
		return d.down()
	}
	delete(d.dev.ports, port)
	return nil
}

func (d *fakeDriver) EnableSTP(context.Context, string) error {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	if d.dev.unreachable {
		return d.down()
	}
	d.dev.stp = true
	d.dev.stpSets++
	return nil
}

func (d *fakeDriver) STPEnabled(context.Context, string) (bool, error) {
	d.dev.mu.Lock()
	defer d.dev.mu.Unlock()
	if d.dev.unreachable {
		return false, d.down()
	}
	return d.dev.stp, nil
}

func (d *fakeDriver) Version(context.Context) (string, error) { return "3.1.2", nil }
func (d *fakeDriver) HostID() string                          { return d.hostID }

var _ vswitch.Driver = (*fakeDriver)(nil)

// harness wires a manager over a fleet of fake devices.
type harness struct {
	inv     *inventory.Inventory
	alloc   *vni.Allocator
	mgr     *Manager
	devices map[string]*fakeDevice
}

// newHarness builds n hosts h1..hn, each with one bridge br0 and data-plane
// address 172.16.0.<i>, bootstraps, and returns the harness.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	dir := t.TempDir()

	credStore, err := creds.NewStore(filepath.Join(dir, "creds.yaml"))
	if err != nil {
		t.Fatalf("creds store: %v", err)
	}

	inv := inventory.New(log)
	devices := make(map[string]*fakeDevice)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("h%d", i)
		dev := newFakeDevice()
		devices[id] = dev
		h := inventory.Host{
			ID:             id,
			ManagementAddr: fmt.Sprintf("10.0.0.%d", i),
			DataPlaneAddr:  fmt.Sprintf("172.16.0.%d", i),
			User:           "root",
		}
		if err := inv.AddHost(h, &fakeDriver{hostID: id, dev: dev}); err != nil {
			t.Fatalf("adding host %s: %v", id, err)
		}
	}

	alloc := vni.NewAllocator(1000, 2000)
	mgr, err := NewManager(inv, alloc, Options{
		StatePath: filepath.Join(dir, "networks.yaml"),
		HostsPath: filepath.Join(dir, "hosts.yaml"),
		Creds:     credStore,
		Drivers: func(h inventory.Host, _ creds.Credential) vswitch.Driver {
			return &fakeDriver{hostID: h.ID, dev: devices[h.ID]}
		},
	}, log)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := mgr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &harness{inv: inv, alloc: alloc, mgr: mgr, devices: devices}
}

func (h *harness) switchID(host string) string {
	return inventory.SwitchID(host, "br0")
}

func (h *harness) switchIDs(hosts ...string) []string {
	out := make([]string, len(hosts))
	for i, host := range hosts {
		out[i] = h.switchID(host)
	}
	return out
}

func (h *harness) tunnelPorts(host string) []string {
	dev := h.devices[host]
	dev.mu.Lock()
	defer dev.mu.Unlock()
	var names []string
	for name, p := range dev.ports {
		if p.Role == vswitch.RoleTunnel {
			names = append(names, name)
		}
	}
	return names
}

func TestCreateNetworkFullMesh(t *testing.T) {
	h := newHarness(t, 3)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2", "h3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.VNI != 1000 {
		t.Errorf("VNI = %d, want 1000 (first in space)", view.VNI)
	}
	if view.Degraded {
		t.Error("network degraded on a healthy fleet")
	}
	if len(view.Tunnels) != 3 {
		t.Fatalf("got %d tunnels, want 3", len(view.Tunnels))
	}
	for _, tun := range view.Tunnels {
		if tun.State != TunnelUp {
			t.Errorf("tunnel %s state = %s, want up", tun.Key, tun.State)
		}
	}

	// Every host carries exactly two endpoints, named per peer.
	for _, host := range []string{"h1", "h2", "h3"} {
		ports := h.tunnelPorts(host)
		if len(ports) != 2 {
			t.Errorf("host %s has %d tunnel ports, want 2: %v", host, len(ports), ports)
		}
	}

	// Loop prevention was enabled on every member switch before meshing.
	for host, dev := range h.devices {
		if !dev.stp {
			t.Errorf("host %s has STP off after meshing", host)
		}
	}
}

func TestCreateNetworkRequiresTwoMembers(t *testing.T) {
	h := newHarness(t, 2)

	_, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "lonely",
		SwitchIDs: h.switchIDs("h1"),
	})
	if err == nil {
		t.Fatal("expected error for single-member mesh")
	}

	// Nothing was reserved or created.
	if len(h.alloc.Held()) != 0 {
		t.Errorf("VNIs held after failed create: %v", h.alloc.Held())
	}
	if n := len(h.tunnelPorts("h1")); n != 0 {
		t.Errorf("h1 has %d tunnel ports, want 0", n)
	}
}

func TestCreateNetworkRefusedBeforeBootstrap(t *testing.T) {
	log := zap.NewNop().Sugar()
	dir := t.TempDir()
	credStore, _ := creds.NewStore(filepath.Join(dir, "creds.yaml"))
	inv := inventory.New(log)
	mgr, err := NewManager(inv, vni.NewAllocator(1000, 2000), Options{
		StatePath: filepath.Join(dir, "networks.yaml"),
		Creds:     credStore,
		Drivers:   func(inventory.Host, creds.Credential) vswitch.Driver { return nil },
	}, log)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	_, err = mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name: "early", SwitchIDs: []string{"a/br0", "b/br0"},
	})
	if err == nil || !strings.Contains(err.Error(), "discovery") {
		t.Errorf("expected discovery-gate error, got %v", err)
	}
}

func TestPartialMeshReportsFailingPairs(t *testing.T) {
	h := newHarness(t, 3)
	h.devices["h3"].unreachable = true
	// Bootstrap already refreshed while h3 was up, so its switch is known.

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2", "h3"),
	})
	var partial *PartialMeshError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialMeshError, got %v", err)
	}
	if view == nil || !view.Degraded {
		t.Fatal("expected a degraded view alongside the error")
	}

	failed := partial.Failed()
	if len(failed) != 2 {
		t.Fatalf("got %d failed pairs, want 2 (both touch h3): %+v", len(failed), failed)
	}
	for _, p := range failed {
		if p.SwitchA != h.switchID("h3") && p.SwitchB != h.switchID("h3") {
			t.Errorf("failed pair %s<->%s does not involve h3", p.SwitchA, p.SwitchB)
		}
	}

	// The h1<->h2 pair still converged.
	if n := len(h.tunnelPorts("h1")); n != 1 {
		t.Errorf("h1 has %d tunnel ports, want 1", n)
	}
	if n := len(h.tunnelPorts("h2")); n != 1 {
		t.Errorf("h2 has %d tunnel ports, want 1", n)
	}
}

func TestPairRollbackOnOneSideFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.devices["h2"].failCreate = fmt.Errorf("%w: ovs-vsctl exited 1", errTestExit)

	_, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	var partial *PartialMeshError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialMeshError, got %v", err)
	}

	// The side that succeeded must have been rolled back: no half-tunnel.
	if n := len(h.tunnelPorts("h1")); n != 0 {
		t.Errorf("h1 has %d tunnel ports after rollback, want 0", n)
	}
	if h.devices["h1"].deleteCalls == 0 {
		t.Error("expected a rollback delete on h1")
	}
}

var errTestExit = errors.New("command failed")

func TestTimeoutOutcomeVerifiedByEnumeration(t *testing.T) {
	h := newHarness(t, 2)
	// h2's create "times out" but the device actually applied it. The
	// reconciler must re-enumerate and treat the pair as converged, not
	// retry the create blindly.
	h.devices["h2"].failCreate = fmt.Errorf("%w: %q", remote.ErrTimeout, "ovs-vsctl add-port")
	h.devices["h2"].timeoutButCreated = true

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("expected converged mesh, got %v", err)
	}
	if view.Degraded {
		t.Error("network degraded despite port existing on device")
	}
	if calls := h.devices["h2"].createCalls; calls != 1 {
		t.Errorf("h2 saw %d create calls, want 1 (no blind retry)", calls)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, 3)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2", "h3"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before := make(map[string]int)
	for id, dev := range h.devices {
		before[id] = dev.createCalls
	}

	if _, err := h.mgr.ReconcileNetwork(context.Background(), view.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	for id, dev := range h.devices {
		if dev.createCalls != before[id] {
			t.Errorf("host %s saw %d extra creates on a converged mesh",
				id, dev.createCalls-before[id])
		}
	}
}

func TestReconcileHealsMissingSide(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Someone deletes h2's endpoint behind the controller's back.
	dev := h.devices["h2"]
	dev.mu.Lock()
	for name, p := range dev.ports {
		if p.Role == vswitch.RoleTunnel {
			delete(dev.ports, name)
		}
	}
	dev.mu.Unlock()

	// A refresh pass spots the drift; reconcile recreates only that side.
	if failed := h.inv.RefreshAll(context.Background()); len(failed) != 0 {
		t.Fatalf("refresh failed for %v", failed)
	}
	h1Creates := h.devices["h1"].createCalls

	if _, err := h.mgr.ReconcileNetwork(context.Background(), view.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if n := len(h.tunnelPorts("h2")); n != 1 {
		t.Errorf("h2 has %d tunnel ports after heal, want 1", n)
	}
	if h.devices["h1"].createCalls != h1Creates {
		t.Error("reconcile recreated h1's side, which was never missing")
	}
}

func TestDeleteNetworkCascades(t *testing.T) {
	h := newHarness(t, 3)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2", "h3"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.mgr.DeleteNetwork(context.Background(), view.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, host := range []string{"h1", "h2", "h3"} {
		if n := len(h.tunnelPorts(host)); n != 0 {
			t.Errorf("host %s has %d tunnel ports after delete, want 0", host, n)
		}
	}
	if len(h.mgr.ListNetworks()) != 0 {
		t.Error("network still listed after delete")
	}
	if len(h.mgr.Tunnels()) != 0 {
		t.Error("tunnels still tracked after delete")
	}

	// The VNI went back to the pool immediately.
	if v, err := h.alloc.Allocate(view.VNI, "net-b"); err != nil || v != view.VNI {
		t.Errorf("VNI %d not reusable after delete: %v", view.VNI, err)
	}

	// STP stays on: loop prevention is never auto-disabled.
	for host, dev := range h.devices {
		if !dev.stp {
			t.Errorf("host %s STP disabled by network deletion", host)
		}
	}
}

func TestDeleteNetworkPartialTeardown(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.devices["h2"].unreachable = true

	err = h.mgr.DeleteNetwork(context.Background(), view.ID)
	var partial *PartialTeardownError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialTeardownError, got %v", err)
	}
	if len(partial.Failures) != 1 {
		t.Errorf("got %d failures, want 1: %v", len(partial.Failures), partial.Failures)
	}

	// The reachable side came down, and the bookkeeping is gone even though
	// physical teardown was incomplete.
	if n := len(h.tunnelPorts("h1")); n != 0 {
		t.Errorf("h1 has %d tunnel ports, want 0", n)
	}
	if len(h.mgr.ListNetworks()) != 0 {
		t.Error("network still listed after partial teardown")
	}
	if v, err := h.alloc.Allocate(view.VNI, "net-b"); err != nil || v != view.VNI {
		t.Errorf("VNI %d not reusable: %v", view.VNI, err)
	}
}

func TestAddSwitchMeshesIncrementally(t *testing.T) {
	h := newHarness(t, 3)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h1Creates := h.devices["h1"].createCalls

	grown, err := h.mgr.AddSwitch(context.Background(), view.ID, h.switchID("h3"))
	if err != nil {
		t.Fatalf("add switch: %v", err)
	}
	if len(grown.Tunnels) != 3 {
		t.Errorf("got %d tunnels after growth, want 3", len(grown.Tunnels))
	}

	// h1 gained exactly one endpoint (toward h3); the h1<->h2 tunnel was
	// left untouched.
	if h.devices["h1"].createCalls != h1Creates+1 {
		t.Errorf("h1 saw %d creates, want %d", h.devices["h1"].createCalls, h1Creates+1)
	}
	if n := len(h.tunnelPorts("h3")); n != 2 {
		t.Errorf("h3 has %d tunnel ports, want 2", n)
	}

	// Re-adding the same switch is rejected.
	if _, err := h.mgr.AddSwitch(context.Background(), view.ID, h.switchID("h3")); err == nil {
		t.Error("expected error re-adding member switch")
	}
}

func TestNamingCollisionDetectedBeforeCreation(t *testing.T) {
	h := newHarness(t, 3)

	// Two peers whose data-plane addresses share a last octet force two
	// identically named ports onto the third switch.
	h.inv.ForgetHost("h1")
	h.inv.ForgetHost("h2")
	for i, addr := range []string{"172.16.1.5", "172.16.2.5"} {
		id := fmt.Sprintf("h%d", i+1)
		dev := h.devices[id]
		if err := h.inv.AddHost(inventory.Host{ID: id, ManagementAddr: addr, DataPlaneAddr: addr},
			&fakeDriver{hostID: id, dev: dev}); err != nil {
			t.Fatalf("re-adding host: %v", err)
		}
		if err := h.inv.Refresh(context.Background(), id); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}

	_, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2", "h3"),
	})
	if !errors.Is(err, ErrNamingCollision) {
		t.Fatalf("expected ErrNamingCollision, got %v", err)
	}

	// No command ran and the VNI went straight back.
	for host, dev := range h.devices {
		if dev.createCalls != 0 {
			t.Errorf("host %s saw %d creates despite collision", host, dev.createCalls)
		}
	}
	if len(h.alloc.Held()) != 0 {
		t.Errorf("VNIs still held after rejected plan: %v", h.alloc.Held())
	}
}

func TestBootstrapAdoptsExistingTunnels(t *testing.T) {
	h := newHarness(t, 2)

	// First controller run builds the mesh.
	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Second controller starts against the same devices and state files.
	log := zap.NewNop().Sugar()
	mgr2, err := NewManager(h.inv, vni.NewAllocator(1000, 2000), h.mgr.opts, log)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	if err := mgr2.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	tunnels := mgr2.Tunnels()
	if len(tunnels) != 1 {
		t.Fatalf("adopted %d tunnels, want 1", len(tunnels))
	}
	if tunnels[0].NetworkID != view.ID {
		t.Errorf("tunnel network = %q, want %q", tunnels[0].NetworkID, view.ID)
	}
	if tunnels[0].State != TunnelUp {
		t.Errorf("tunnel state = %s, want up", tunnels[0].State)
	}

	// Reconciling after adoption issues no creates.
	before := h.devices["h1"].createCalls
	if _, err := mgr2.ReconcileNetwork(context.Background(), view.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.devices["h1"].createCalls != before {
		t.Error("adopted tunnel was recreated")
	}
}

func TestLoopPreventionIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	swID := h.switchID("h1")

	if err := h.mgr.EnsureLoopPrevention(context.Background(), swID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.mgr.EnsureLoopPrevention(context.Background(), swID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sets := h.devices["h1"].stpSets; sets != 1 {
		t.Errorf("EnableSTP ran %d times, want 1", sets)
	}
}

func TestEnsureServicePort(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "tenant-a",
		SwitchIDs: h.switchIDs("h1", "h2"),
		Subnet:    "10.0.1.0/24",
		Gateway:   "10.0.1.1/24",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ref, err := h.mgr.EnsureServicePort(context.Background(), view.ID, "h1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantName := fmt.Sprintf("gw%d", view.VNI)
	if ref.PortName != wantName {
		t.Errorf("port name = %s, want %s", ref.PortName, wantName)
	}

	dev := h.devices["h1"]
	dev.mu.Lock()
	p, ok := dev.ports[wantName]
	dev.mu.Unlock()
	if !ok || p.Role != vswitch.RoleGateway || p.VNI != view.VNI {
		t.Errorf("device port = %+v, want gateway with VNI %d", p, view.VNI)
	}

	// Second call confirms, does not recreate.
	before := dev.createCalls
	if _, err := h.mgr.EnsureServicePort(context.Background(), view.ID, "h1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.createCalls != before {
		t.Error("service port recreated on repeat call")
	}

	if err := h.mgr.RemoveServicePort(context.Background(), view.ID, "h1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	dev.mu.Lock()
	_, still := dev.ports[wantName]
	dev.mu.Unlock()
	if still {
		t.Error("service port remains on device after removal")
	}

	// Removing again is a no-op.
	if err := h.mgr.RemoveServicePort(context.Background(), view.ID, "h1"); err != nil {
		t.Errorf("second removal should be a no-op, got %v", err)
	}
}

func TestServicePortRequiresGateway(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "no-gw",
		SwitchIDs: h.switchIDs("h1", "h2"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.mgr.EnsureServicePort(context.Background(), view.ID, "h1"); err == nil {
		t.Error("expected error for network without gateway")
	}
}

func TestPersistedStateNeverAliasesLiveNetwork(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "detached",
		SwitchIDs: h.switchIDs("h1", "h2"),
		Subnet:    "10.7.0.0/24",
		Gateway:   "10.7.0.1/24",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	live := h.mgr.networks[view.ID]
	stored := h.mgr.store.networks()[view.ID]
	if live == stored {
		t.Fatal("store holds the same *Network the manager mutates")
	}

	// Writes into the stored copy must not leak into the live network.
	stored.ServicePorts["phantom"] = "gw0"
	stored.SwitchIDs[0] = "tampered"
	if _, leaked := live.ServicePorts["phantom"]; leaked {
		t.Error("stored map aliases the live service-port map")
	}
	if live.SwitchIDs[0] == "tampered" {
		t.Error("stored slice aliases the live member slice")
	}

	// Live mutations reach the store only through an explicit persist.
	if _, err := h.mgr.EnsureServicePort(context.Background(), view.ID, "h1"); err != nil {
		t.Fatalf("service port: %v", err)
	}
	stored = h.mgr.store.networks()[view.ID]
	if stored == live {
		t.Fatal("persist replaced the stored copy with the live pointer")
	}
	if stored.ServicePorts["h1"] == "" {
		t.Error("persisted copy is missing the recorded service port")
	}
}

func TestServicePortConcurrentWithDelete(t *testing.T) {
	h := newHarness(t, 2)

	view, err := h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
		Name:      "svc-churn",
		SwitchIDs: h.switchIDs("h1", "h2"),
		Subnet:    "10.8.0.0/24",
		Gateway:   "10.8.0.1/24",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			// Races the delete below; failures after removal are expected.
			_, _ = h.mgr.EnsureServicePort(context.Background(), view.ID, "h1")
		}
	}()
	if err := h.mgr.DeleteNetwork(context.Background(), view.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wg.Wait()

	if _, err := h.mgr.GetNetwork(view.ID); !errors.Is(err, ErrNetworkNotFound) {
		t.Fatalf("network still present after delete: %v", err)
	}
	if _, ok := h.mgr.store.networks()[view.ID]; ok {
		t.Error("deleted network written back to persisted state")
	}
}

func TestCreateNetworkDuplicateNameConcurrent(t *testing.T) {
	h := newHarness(t, 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.mgr.CreateNetwork(context.Background(), CreateNetworkRequest{
				Name:      "dup",
				SwitchIDs: h.switchIDs("h1", "h2"),
			})
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			if !strings.Contains(err.Error(), "already in use") {
				t.Errorf("unexpected create error: %v", err)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("%d of 2 concurrent creates failed, want exactly 1", failures)
	}
	if held := h.alloc.Held(); len(held) != 1 {
		t.Errorf("allocator holds %d identifiers, want 1 (loser's released)", len(held))
	}
}
