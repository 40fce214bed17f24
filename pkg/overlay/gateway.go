package overlay

import (
	"context"
	"fmt"

	"github.com/recira/overmesh/pkg/mesh"
	"github.com/recira/overmesh/pkg/vswitch"
)

// EnsureServicePort creates the network's gateway port on the given host's
// member switch, idempotently. At most one service port exists per network
// per host; re-running with an existing port confirms it and returns its
// reference.
func (m *Manager) EnsureServicePort(ctx context.Context, networkID, hostID string) (*PortRef, error) {
	m.mu.Lock()
	n, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, networkID)
	}
	if n.Gateway == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("network %s has no gateway address configured", n.Name)
	}
	memberIDs := append([]string(nil), n.SwitchIDs...)
	existing := n.ServicePorts[hostID]
	m.mu.Unlock()

	// The port lands on the host's member switch; a host without a member
	// switch cannot serve this network.
	var sw *mesh.Member
	members, err := mesh.MembersFromSwitches(m.inv, memberIDs)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].HostID == hostID {
			sw = &members[i]
			break
		}
	}
	if sw == nil {
		return nil, fmt.Errorf("host %s has no switch in network %s", hostID, n.Name)
	}

	portName := existing
	if portName == "" {
		portName = fmt.Sprintf("gw%d", n.VNI)
	}
	ref := &PortRef{NetworkID: networkID, HostID: hostID, SwitchID: sw.SwitchID, PortName: portName}

	// Idempotence: if the device already carries the port, just confirm it.
	if inventorySw, err := m.inv.Switch(sw.SwitchID); err == nil {
		for _, p := range inventorySw.Ports {
			if p.Name == portName && p.Role == vswitch.RoleGateway {
				m.recordServicePort(n, hostID, portName)
				return ref, nil
			}
		}
	}

	driver, err := m.inv.DriverFor(hostID)
	if err != nil {
		return nil, err
	}
	err = driver.CreateServicePort(ctx, sw.Bridge, portName, vswitch.ServicePortSpec{
		VNI:       n.VNI,
		GatewayIP: n.Gateway,
		NetworkID: networkID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating service port %s on %s: %w", portName, sw.SwitchID, err)
	}

	m.inv.RecordPort(sw.SwitchID, vswitch.PortInfo{
		Name: portName,
		Role: vswitch.RoleGateway,
		VNI:  n.VNI,
	})
	m.recordServicePort(n, hostID, portName)
	m.log.Infow("service port up", "network", networkID, "host", hostID, "port", portName, "gateway", n.Gateway)
	return ref, nil
}

// RemoveServicePort deletes the network's gateway port on a host. Removing
// an absent port is not an error.
func (m *Manager) RemoveServicePort(ctx context.Context, networkID, hostID string) error {
	m.mu.Lock()
	n, ok := m.networks[networkID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNetworkNotFound, networkID)
	}
	portName, declared := n.ServicePorts[hostID]
	memberIDs := append([]string(nil), n.SwitchIDs...)
	m.mu.Unlock()

	if !declared {
		return nil
	}

	var switchID, bridge string
	for _, swID := range memberIDs {
		sw, err := m.inv.Switch(swID)
		if err != nil {
			continue
		}
		if sw.HostID == hostID {
			switchID, bridge = sw.ID, sw.Name
			break
		}
	}

	if switchID != "" {
		driver, err := m.inv.DriverFor(hostID)
		if err != nil {
			return err
		}
		if err := driver.DeletePort(ctx, bridge, portName); err != nil {
			return fmt.Errorf("deleting service port %s on %s: %w", portName, switchID, err)
		}
		m.inv.DropPort(switchID, portName)
	}

	m.mu.Lock()
	delete(n.ServicePorts, hostID)
	m.mu.Unlock()
	m.persistNetwork(n)
	m.log.Infow("service port removed", "network", networkID, "host", hostID, "port", portName)
	return nil
}

func (m *Manager) recordServicePort(n *Network, hostID, portName string) {
	m.mu.Lock()
	already := n.ServicePorts[hostID] == portName
	n.ServicePorts[hostID] = portName
	m.mu.Unlock()
	if already {
		return
	}
	m.persistNetwork(n)
}
