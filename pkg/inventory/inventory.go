// Package inventory is the controller's single shared view of remote switch
// state: known hosts, their bridges and ports, and the tunnels reconstructed
// from them. It is updated only by refresh and by reconciler operations that
// have confirmed a state change; readers get consistent snapshot copies.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/vswitch"
)

// HostStatus is a host's reachability state.
type HostStatus string

const (
	HostOnline      HostStatus = "online"
	HostUnreachable HostStatus = "unreachable"
)

// Host is a managed host. ManagementAddr is what the executor dials;
// DataPlaneAddr is the address used as the tunnel endpoint, which may be a
// separate interface.
type Host struct {
	ID             string     `yaml:"id"`
	Hostname       string     `yaml:"hostname"`
	ManagementAddr string     `yaml:"managementAddr"`
	DataPlaneAddr  string     `yaml:"dataPlaneAddr"`
	User           string     `yaml:"user"`
	Local          bool       `yaml:"local,omitempty"`
	Status         HostStatus `yaml:"-"`
	OVSVersion     string     `yaml:"-"`
}

// Switch is a virtual bridge on exactly one host. Its id is stable across
// refreshes: "<hostID>/<bridge>". Switch ids are not host ids; always
// resolve the owning host through the switch record.
type Switch struct {
	ID     string
	Name   string // bridge name, unique per host
	HostID string
	STP    bool
	Ports  []vswitch.PortInfo
}

// SwitchID derives the stable switch id for a bridge on a host.
func SwitchID(hostID, bridge string) string {
	return hostID + "/" + bridge
}

// Inventory tracks hosts, their drivers, and the cached switch/port sets.
type Inventory struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	hosts    map[string]*Host
	drivers  map[string]vswitch.Driver
	switches map[string]*Switch
	version  uint64
}

// New returns an empty Inventory.
func New(log *zap.SugaredLogger) *Inventory {
	return &Inventory{
		log:      log.Named("inventory"),
		hosts:    make(map[string]*Host),
		drivers:  make(map[string]vswitch.Driver),
		switches: make(map[string]*Switch),
	}
}

// AddHost registers a host and its driver. Returns an error if the id is
// already taken.
func (inv *Inventory) AddHost(h Host, d vswitch.Driver) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, exists := inv.hosts[h.ID]; exists {
		return fmt.Errorf("host %q already registered", h.ID)
	}
	if h.Status == "" {
		h.Status = HostOnline
	}
	inv.hosts[h.ID] = &h
	inv.drivers[h.ID] = d
	return nil
}

// ForgetHost removes a host and its cached switches.
func (inv *Inventory) ForgetHost(hostID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.hosts, hostID)
	delete(inv.drivers, hostID)
	for id, sw := range inv.switches {
		if sw.HostID == hostID {
			delete(inv.switches, id)
		}
	}
	inv.version++
}

// Host returns a copy of the host record.
func (inv *Inventory) Host(hostID string) (Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	h, ok := inv.hosts[hostID]
	if !ok {
		return Host{}, fmt.Errorf("host %q not found", hostID)
	}
	return *h, nil
}

// Hosts returns copies of all host records, ordered by id.
func (inv *Inventory) Hosts() []Host {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Host, 0, len(inv.hosts))
	for _, h := range inv.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostByDataPlane finds the host whose data-plane address is addr.
func (inv *Inventory) HostByDataPlane(addr string) (Host, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	for _, h := range inv.hosts {
		if h.DataPlaneAddr == addr {
			return *h, true
		}
	}
	return Host{}, false
}

// DriverFor returns the switch driver for the named host.
func (inv *Inventory) DriverFor(hostID string) (vswitch.Driver, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	d, ok := inv.drivers[hostID]
	if !ok {
		return nil, fmt.Errorf("no driver for host %q", hostID)
	}
	return d, nil
}

// Switch returns a copy of a switch record by id.
func (inv *Inventory) Switch(switchID string) (Switch, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	sw, ok := inv.switches[switchID]
	if !ok {
		return Switch{}, fmt.Errorf("switch %q not found", switchID)
	}
	return copySwitch(sw), nil
}

// Switches returns copies of all switch records, ordered by id.
func (inv *Inventory) Switches() []Switch {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Switch, 0, len(inv.switches))
	for _, sw := range inv.switches {
		out = append(out, copySwitch(sw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version returns the snapshot version, bumped on every confirmed change.
func (inv *Inventory) Version() uint64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.version
}

// Refresh queries the host's bridges and ports and replaces that host's
// cached switch set. Read-only against the device.
func (inv *Inventory) Refresh(ctx context.Context, hostID string) error {
	driver, err := inv.DriverFor(hostID)
	if err != nil {
		return err
	}

	bridges, err := driver.ListBridges(ctx)
	if err != nil {
		inv.setHostStatus(hostID, HostUnreachable)
		return fmt.Errorf("refreshing host %s: %w", hostID, err)
	}

	fresh := make(map[string]*Switch, len(bridges))
	for _, b := range bridges {
		ports, err := driver.ListPorts(ctx, b.Name)
		if err != nil {
			inv.setHostStatus(hostID, HostUnreachable)
			return fmt.Errorf("refreshing host %s bridge %s: %w", hostID, b.Name, err)
		}
		id := SwitchID(hostID, b.Name)
		fresh[id] = &Switch{
			ID:     id,
			Name:   b.Name,
			HostID: hostID,
			STP:    b.STP,
			Ports:  ports,
		}
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	for id, sw := range inv.switches {
		if sw.HostID == hostID {
			delete(inv.switches, id)
		}
	}
	for id, sw := range fresh {
		inv.switches[id] = sw
	}
	if h, ok := inv.hosts[hostID]; ok {
		h.Status = HostOnline
	}
	inv.version++

	inv.log.Debugw("host refreshed", "host", hostID, "switches", len(fresh))
	return nil
}

// RefreshAll refreshes every known host, continuing past unreachable ones.
// Returns the ids of hosts that could not be refreshed.
func (inv *Inventory) RefreshAll(ctx context.Context) []string {
	var failed []string
	for _, h := range inv.Hosts() {
		if err := inv.Refresh(ctx, h.ID); err != nil {
			inv.log.Warnw("host refresh failed", "host", h.ID, "error", err)
			failed = append(failed, h.ID)
		}
	}
	return failed
}

// RecordPort updates the cached port set after the reconciler has confirmed
// a creation on the device.
func (inv *Inventory) RecordPort(switchID string, p vswitch.PortInfo) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	sw, ok := inv.switches[switchID]
	if !ok {
		return
	}
	for i := range sw.Ports {
		if sw.Ports[i].Name == p.Name {
			sw.Ports[i] = p
			inv.version++
			return
		}
	}
	sw.Ports = append(sw.Ports, p)
	inv.version++
}

// DropPort updates the cached port set after a confirmed deletion.
func (inv *Inventory) DropPort(switchID, portName string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	sw, ok := inv.switches[switchID]
	if !ok {
		return
	}
	for i := range sw.Ports {
		if sw.Ports[i].Name == portName {
			sw.Ports = append(sw.Ports[:i], sw.Ports[i+1:]...)
			inv.version++
			return
		}
	}
}

// RecordSTP marks a switch's loop-prevention flag after confirmation.
func (inv *Inventory) RecordSTP(switchID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if sw, ok := inv.switches[switchID]; ok && !sw.STP {
		sw.STP = true
		inv.version++
	}
}

// SetHostDetails records probe results (hostname, OVS version).
func (inv *Inventory) SetHostDetails(hostID, hostname, ovsVersion string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h, ok := inv.hosts[hostID]; ok {
		if hostname != "" {
			h.Hostname = hostname
		}
		if ovsVersion != "" {
			h.OVSVersion = ovsVersion
		}
	}
}

func (inv *Inventory) setHostStatus(hostID string, s HostStatus) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h, ok := inv.hosts[hostID]; ok {
		h.Status = s
	}
}

func copySwitch(sw *Switch) Switch {
	out := *sw
	out.Ports = make([]vswitch.PortInfo, len(sw.Ports))
	copy(out.Ports, sw.Ports)
	return out
}
