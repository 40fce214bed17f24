// Package dhcp manages per-network dnsmasq instances on overlay hosts.
// Each enabled network gets a dnsmasq bound to the network's gateway port,
// so addresses are only handed out inside the overlay.
package dhcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/recira/overmesh/pkg/creds"
	"github.com/recira/overmesh/pkg/inventory"
	"github.com/recira/overmesh/pkg/overlay"
	"github.com/recira/overmesh/pkg/remote"
)

// ErrDnsmasqMissing reports a serving host without the dnsmasq binary.
// Installing it is out of scope for the controller.
var ErrDnsmasqMissing = errors.New("dnsmasq not installed on host")

// Manager drives dnsmasq lifecycle for overlay networks. Gateway ports are
// delegated to the overlay manager; this manager only deploys and maintains
// the dnsmasq configuration on top of them.
type Manager struct {
	log     *zap.SugaredLogger
	exec    remote.Executor
	inv     *inventory.Inventory
	overlay *overlay.Manager
	creds   *creds.Store
	path    string

	mu      sync.Mutex
	configs map[string]*Settings // network id -> settings
}

type dhcpFile struct {
	Configs map[string]*Settings `yaml:"configs"`
}

// NewManager loads persisted DHCP settings and returns a Manager.
func NewManager(exec remote.Executor, inv *inventory.Inventory, ov *overlay.Manager, cs *creds.Store, path string, log *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		log:     log.Named("dhcp"),
		exec:    exec,
		inv:     inv,
		overlay: ov,
		creds:   cs,
		path:    path,
		configs: make(map[string]*Settings),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("loading dhcp state: %w", err)
	}
	var f dhcpFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing dhcp state %s: %w", path, err)
	}
	if f.Configs != nil {
		m.configs = f.Configs
	}
	m.log.Infow("dhcp state loaded", "networks", len(m.configs))
	return m, nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	raw, err := yaml.Marshal(dhcpFile{Configs: m.configs})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, raw, 0o644)
}

// EnableRequest asks for DHCP service on one network, served from one host.
type EnableRequest struct {
	NetworkID  string   `json:"networkId"`
	HostID     string   `json:"hostId"`
	RangeStart string   `json:"rangeStart,omitempty"` // derived from the subnet when empty
	RangeEnd   string   `json:"rangeEnd,omitempty"`
	LeaseTime  string   `json:"leaseTime,omitempty"`
	DNSServers []string `json:"dnsServers,omitempty"`
}

// Enable turns on DHCP for a network: checks the host carries dnsmasq,
// ensures the gateway port, deploys the rendered configuration, and restarts
// the service. Re-running updates the deployment in place.
func (m *Manager) Enable(ctx context.Context, req EnableRequest) (*Settings, error) {
	view, err := m.overlay.GetNetwork(req.NetworkID)
	if err != nil {
		return nil, err
	}
	if view.Gateway == "" || view.Subnet == "" {
		return nil, fmt.Errorf("network %s needs a subnet and gateway for DHCP", view.Name)
	}

	start, end := req.RangeStart, req.RangeEnd
	if start == "" || end == "" {
		start, end, err = defaultRange(view.Subnet)
		if err != nil {
			return nil, err
		}
	}

	target, err := m.targetFor(req.HostID)
	if err != nil {
		return nil, err
	}

	if err := m.ensureDnsmasq(ctx, target); err != nil {
		return nil, err
	}

	ref, err := m.overlay.EnsureServicePort(ctx, req.NetworkID, req.HostID)
	if err != nil {
		return nil, fmt.Errorf("gateway port for network %s: %w", req.NetworkID, err)
	}

	s := &Settings{
		NetworkID:  req.NetworkID,
		VNI:        view.VNI,
		HostID:     req.HostID,
		Interface:  ref.PortName,
		RangeStart: start,
		RangeEnd:   end,
		Netmask:    netmaskFor(view.Subnet),
		Gateway:    gatewayAddr(view.Gateway),
		LeaseTime:  req.LeaseTime,
		DNSServers: req.DNSServers,
	}

	// Keep reservations across re-enables.
	m.mu.Lock()
	if prev, ok := m.configs[req.NetworkID]; ok {
		s.Reservations = prev.Reservations
	}
	m.mu.Unlock()

	if err := m.deploy(ctx, target, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.configs[req.NetworkID] = s
	m.mu.Unlock()
	if err := m.save(); err != nil {
		m.log.Warnw("persisting dhcp state", "error", err)
	}

	m.log.Infow("dhcp enabled", "network", req.NetworkID, "host", req.HostID,
		"range", start+"-"+end, "interface", ref.PortName)
	return s, nil
}

// Disable removes a network's dnsmasq deployment and its gateway port.
func (m *Manager) Disable(ctx context.Context, networkID string) error {
	m.mu.Lock()
	s, ok := m.configs[networkID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("dhcp not enabled for network %s", networkID)
	}

	target, err := m.targetFor(s.HostID)
	if err != nil {
		return err
	}

	if _, err := m.exec.Execute(ctx, target, fmt.Sprintf("rm -f %s", s.configPath())); err != nil {
		return fmt.Errorf("removing dnsmasq config: %w", err)
	}
	if _, err := m.exec.Execute(ctx, target, "systemctl restart dnsmasq"); err != nil {
		m.log.Warnw("dnsmasq restart after disable failed", "network", networkID, "error", err)
	}

	if err := m.overlay.RemoveServicePort(ctx, networkID, s.HostID); err != nil {
		m.log.Warnw("removing gateway port", "network", networkID, "error", err)
	}

	m.mu.Lock()
	delete(m.configs, networkID)
	m.mu.Unlock()
	if err := m.save(); err != nil {
		m.log.Warnw("persisting dhcp state", "error", err)
	}

	m.log.Infow("dhcp disabled", "network", networkID)
	return nil
}

// Config returns the stored settings for a network.
func (m *Manager) Config(networkID string) (Settings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.configs[networkID]
	if !ok {
		return Settings{}, false
	}
	return *s, true
}

// Configs returns all stored settings.
func (m *Manager) Configs() []Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Settings, 0, len(m.configs))
	for _, s := range m.configs {
		out = append(out, *s)
	}
	return out
}

// Lease is one active dnsmasq lease.
type Lease struct {
	Expires  time.Time `json:"expires"`
	MAC      string    `json:"mac"`
	IP       string    `json:"ip"`
	Hostname string    `json:"hostname,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
}

// Leases reads the live lease file from the serving host.
func (m *Manager) Leases(ctx context.Context, networkID string) ([]Lease, error) {
	m.mu.Lock()
	s, ok := m.configs[networkID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dhcp not enabled for network %s", networkID)
	}

	target, err := m.targetFor(s.HostID)
	if err != nil {
		return nil, err
	}

	out, err := m.exec.Execute(ctx, target, fmt.Sprintf("cat %s 2>/dev/null || true", s.leaseFile()))
	if err != nil {
		return nil, fmt.Errorf("reading lease file: %w", err)
	}
	return parseLeases(out), nil
}

// AddReservation pins a MAC to an address and redeploys the configuration.
func (m *Manager) AddReservation(ctx context.Context, networkID string, r Reservation) error {
	r.MAC = strings.ToLower(strings.ReplaceAll(r.MAC, "-", ":"))
	if r.MAC == "" || r.IP == "" {
		return fmt.Errorf("reservation needs both mac and ip")
	}

	m.mu.Lock()
	s, ok := m.configs[networkID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dhcp not enabled for network %s", networkID)
	}
	replaced := false
	for i := range s.Reservations {
		if s.Reservations[i].MAC == r.MAC {
			s.Reservations[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		s.Reservations = append(s.Reservations, r)
	}
	snapshot := *s
	m.mu.Unlock()

	if err := m.redeploy(ctx, &snapshot); err != nil {
		return err
	}
	return m.save()
}

// DeleteReservation removes a MAC's pin and redeploys.
func (m *Manager) DeleteReservation(ctx context.Context, networkID, mac string) error {
	mac = strings.ToLower(strings.ReplaceAll(mac, "-", ":"))

	m.mu.Lock()
	s, ok := m.configs[networkID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("dhcp not enabled for network %s", networkID)
	}
	kept := s.Reservations[:0]
	found := false
	for _, r := range s.Reservations {
		if r.MAC == mac {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	s.Reservations = kept
	snapshot := *s
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("no reservation for %s on network %s", mac, networkID)
	}
	if err := m.redeploy(ctx, &snapshot); err != nil {
		return err
	}
	return m.save()
}

// ─── Deployment ──────────────────────────────────────────────────────────────

func (m *Manager) deploy(ctx context.Context, target remote.Target, s *Settings) error {
	content := s.Render()
	escaped := strings.ReplaceAll(content, "'", `'\''`)

	cmd := fmt.Sprintf("mkdir -p /etc/dnsmasq.d /var/lib/misc && printf '%%s' '%s' > %s", escaped, s.configPath())
	if _, err := m.exec.Execute(ctx, target, cmd); err != nil {
		return fmt.Errorf("writing dnsmasq config: %w", err)
	}

	if _, err := m.exec.Execute(ctx, target, "systemctl restart dnsmasq"); err != nil {
		if _, err2 := m.exec.Execute(ctx, target, "systemctl start dnsmasq"); err2 != nil {
			return fmt.Errorf("starting dnsmasq: %w", err2)
		}
	}
	if _, err := m.exec.Execute(ctx, target, "systemctl enable dnsmasq"); err != nil {
		m.log.Warnw("enabling dnsmasq at boot", "host", target.HostID, "error", err)
	}
	return nil
}

func (m *Manager) redeploy(ctx context.Context, s *Settings) error {
	target, err := m.targetFor(s.HostID)
	if err != nil {
		return err
	}
	return m.deploy(ctx, target, s)
}

// ensureDnsmasq verifies the host has dnsmasq. Package installation is the
// operator's job; a missing binary is reported as ErrDnsmasqMissing so
// callers can tell it apart from a deployment failure.
func (m *Manager) ensureDnsmasq(ctx context.Context, target remote.Target) error {
	if _, err := m.exec.Execute(ctx, target, "which dnsmasq"); err != nil {
		if remote.IsUnreachable(err) {
			return fmt.Errorf("checking for dnsmasq on %s: %w", target.HostID, err)
		}
		return fmt.Errorf("host %s: %w", target.HostID, ErrDnsmasqMissing)
	}
	return nil
}

func (m *Manager) targetFor(hostID string) (remote.Target, error) {
	h, err := m.inv.Host(hostID)
	if err != nil {
		return remote.Target{}, err
	}
	cred, err := m.creds.Resolve(hostID)
	if err != nil {
		return remote.Target{}, err
	}
	return remote.Target{
		HostID: h.ID,
		Addr:   h.ManagementAddr,
		User:   cred.User,
		Secret: cred.Password,
		Local:  h.Local,
	}, nil
}

// gatewayAddr strips an optional CIDR suffix; dnsmasq options take a bare
// address while the network record may store CIDR form.
func gatewayAddr(gw string) string {
	if i := strings.IndexByte(gw, '/'); i >= 0 {
		return gw[:i]
	}
	return gw
}

// parseLeases decodes dnsmasq's lease file format:
// "<expiry-epoch> <mac> <ip> <hostname> <client-id>".
func parseLeases(out string) []Lease {
	var leases []Lease
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		l := Lease{MAC: fields[1], IP: fields[2]}
		if epoch, err := strconv.ParseInt(fields[0], 10, 64); err == nil && epoch > 0 {
			l.Expires = time.Unix(epoch, 0).UTC()
		}
		if fields[3] != "*" {
			l.Hostname = fields[3]
		}
		if len(fields) >= 5 {
			l.ClientID = fields[4]
		}
		leases = append(leases, l)
	}
	return leases
}
