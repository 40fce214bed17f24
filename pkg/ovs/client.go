// Package ovs implements vswitch.Driver for hosts running Open vSwitch,
// managed through ovs-vsctl over a remote.Executor.
package ovs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vswitch"
)

// Client drives Open vSwitch on one host.
type Client struct {
	target remote.Target
	exec   remote.Executor
	log    *zap.SugaredLogger
}

// NewClient returns a Driver for the host described by target.
func NewClient(target remote.Target, exec remote.Executor, log *zap.SugaredLogger) *Client {
	return &Client{
		target: target,
		exec:   exec,
		log:    log.Named("ovs").With("host", target.HostID),
	}
}

// HostID returns the id of the host this client manages.
func (c *Client) HostID() string { return c.target.HostID }

// ─── Enumeration ─────────────────────────────────────────────────────────────

// ListBridges enumerates bridges and their STP state. Read-only.
func (c *Client) ListBridges(ctx context.Context) ([]vswitch.BridgeInfo, error) {
	out, err := c.exec.Execute(ctx, c.target, "ovs-vsctl list-br")
	if err != nil {
		return nil, fmt.Errorf("listing bridges: %w", err)
	}

	names := parseLines(out)
	bridges := make([]vswitch.BridgeInfo, 0, len(names))
	for _, name := range names {
		stp, err := c.STPEnabled(ctx, name)
		if err != nil {
			return nil, err
		}
		bridges = append(bridges, vswitch.BridgeInfo{Name: name, STP: stp})
	}
	return bridges, nil
}

// ListPorts enumerates the named bridge's ports with their roles. It joins
// bridge membership (list-ports) against host-wide interface details
// (list interface), both read-only commands.
func (c *Client) ListPorts(ctx context.Context, bridge string) ([]vswitch.PortInfo, error) {
	out, err := c.exec.Execute(ctx, c.target, "ovs-vsctl list-ports "+bridge)
	if err != nil {
		return nil, fmt.Errorf("listing ports on %s: %w", bridge, err)
	}
	members := parseLines(out)
	if len(members) == 0 {
		return nil, nil
	}

	detailOut, err := c.exec.Execute(ctx, c.target,
		"ovs-vsctl --columns=name,type,options,external_ids list interface")
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	details, err := parseInterfaceBlocks(detailOut)
	if err != nil {
		return nil, err
	}

	ports := make([]vswitch.PortInfo, 0, len(members))
	for _, name := range members {
		ports = append(ports, classifyPort(name, details[name]))
	}
	return ports, nil
}

// ─── Tunnel endpoints ────────────────────────────────────────────────────────

// CreateTunnelPort creates a VXLAN endpoint on bridge with the peer address
// and VNI carried as interface options.
func (c *Client) CreateTunnelPort(ctx context.Context, bridge, port string, spec vswitch.TunnelPortSpec) error {
	cmd := fmt.Sprintf(
		"ovs-vsctl add-port %s %s -- set interface %s type=vxlan options:remote_ip=%s options:key=%d",
		bridge, port, port, spec.RemoteIP, spec.VNI)

	if _, err := c.exec.Execute(ctx, c.target, cmd); err != nil {
		return fmt.Errorf("creating tunnel port %s on %s: %w", port, bridge, err)
	}
	c.log.Infow("tunnel port created", "bridge", bridge, "port", port, "remote", spec.RemoteIP, "vni", spec.VNI)
	return nil
}

// ─── Service ports ───────────────────────────────────────────────────────────

// CreateServicePort creates an internal port bound to its network's overlay.
// The VNI is recorded as the interface's overlay binding (external_ids), not
// as an 802.1Q tag: VNI and VLAN are different tag spaces.
func (c *Client) CreateServicePort(ctx context.Context, bridge, port string, spec vswitch.ServicePortSpec) error {
	cmd := fmt.Sprintf(
		"ovs-vsctl add-port %s %s -- set interface %s type=internal external_ids:overlay-vni=%d external_ids:overlay-network=%s",
		bridge, port, port, spec.VNI, spec.NetworkID)
	if _, err := c.exec.Execute(ctx, c.target, cmd); err != nil {
		return fmt.Errorf("creating service port %s on %s: %w", port, bridge, err)
	}

	if spec.GatewayIP != "" {
		addrCmd := fmt.Sprintf("ip addr add %s dev %s 2>/dev/null || true", spec.GatewayIP, port)
		if _, err := c.exec.Execute(ctx, c.target, addrCmd); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", spec.GatewayIP, port, err)
		}
	}
	if _, err := c.exec.Execute(ctx, c.target, "ip link set "+port+" up"); err != nil {
		return fmt.Errorf("bringing up %s: %w", port, err)
	}

	c.log.Infow("service port created", "bridge", bridge, "port", port, "vni", spec.VNI, "gateway", spec.GatewayIP)
	return nil
}

// DeletePort removes a port. --if-exists makes deletion idempotent.
func (c *Client) DeletePort(ctx context.Context, bridge, port string) error {
	cmd := fmt.Sprintf("ovs-vsctl --if-exists del-port %s %s", bridge, port)
	if _, err := c.exec.Execute(ctx, c.target, cmd); err != nil {
		return fmt.Errorf("deleting port %s from %s: %w", port, bridge, err)
	}
	c.log.Infow("port deleted", "bridge", bridge, "port", port)
	return nil
}

// ─── Loop prevention ─────────────────────────────────────────────────────────

// EnableSTP turns spanning tree on for the bridge. Idempotent: setting an
// already-true flag is a no-op on the device.
func (c *Client) EnableSTP(ctx context.Context, bridge string) error {
	cmd := fmt.Sprintf("ovs-vsctl set bridge %s stp_enable=true", bridge)
	if _, err := c.exec.Execute(ctx, c.target, cmd); err != nil {
		return fmt.Errorf("enabling STP on %s: %w", bridge, err)
	}
	return nil
}

// STPEnabled reads the bridge's spanning-tree flag.
func (c *Client) STPEnabled(ctx context.Context, bridge string) (bool, error) {
	out, err := c.exec.Execute(ctx, c.target, fmt.Sprintf("ovs-vsctl get bridge %s stp_enable", bridge))
	if err != nil {
		return false, fmt.Errorf("reading STP state of %s: %w", bridge, err)
	}
	return parseBool(out)
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Version returns the OVS version string of the host.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.exec.Execute(ctx, c.target, "ovs-vsctl --version")
	if err != nil {
		return "", fmt.Errorf("reading OVS version: %w", err)
	}
	return parseVersion(out)
}

// Ensure Client implements vswitch.Driver at compile time.
var _ vswitch.Driver = (*Client)(nil)
