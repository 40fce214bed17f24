package inventory

import (
	"sort"

	"github.com/recira/overmesh/pkg/vswitch"
)

// TunnelEndpoint is one side of a tunnel as found on a host.
type TunnelEndpoint struct {
	HostID   string
	SwitchID string
	Bridge   string
	PortName string
	RemoteIP string
	VNI      uint32
}

// DiscoveredTunnel is a reconstructed bidirectional tunnel: two endpoints
// whose remote addresses cross-match and whose VNIs agree. Endpoint A is
// the side with the lexically smaller switch id.
type DiscoveredTunnel struct {
	A, B TunnelEndpoint
	VNI  uint32
}

// OrphanEndpoint is a half-tunnel: one side present with no matching peer.
// It indicates a crashed prior reconciliation and is reported, never
// silently dropped.
type OrphanEndpoint struct {
	TunnelEndpoint
	Reason string
}

// DiscoverTunnels reconstructs tunnel records from the current snapshot by
// matching tunnel-endpoint ports pairwise across hosts. Two ports form one
// tunnel when port A's remote address equals host B's data-plane address and
// vice versa, and both carry the same VNI. The scan is read-only and
// deterministic: running it twice with no mutations in between produces
// identical results.
func (inv *Inventory) DiscoverTunnels() ([]DiscoveredTunnel, []OrphanEndpoint) {
	inv.mu.RLock()

	byHost := make(map[string]string, len(inv.hosts)) // data-plane addr -> host id
	dataplane := make(map[string]string, len(inv.hosts))
	for id, h := range inv.hosts {
		byHost[h.DataPlaneAddr] = id
		dataplane[id] = h.DataPlaneAddr
	}

	var endpoints []TunnelEndpoint
	for _, sw := range inv.switches {
		for _, p := range sw.Ports {
			if p.Role != vswitch.RoleTunnel {
				continue
			}
			endpoints = append(endpoints, TunnelEndpoint{
				HostID:   sw.HostID,
				SwitchID: sw.ID,
				Bridge:   sw.Name,
				PortName: p.Name,
				RemoteIP: p.RemoteIP,
				VNI:      p.VNI,
			})
		}
	}
	inv.mu.RUnlock()

	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].SwitchID != endpoints[j].SwitchID {
			return endpoints[i].SwitchID < endpoints[j].SwitchID
		}
		return endpoints[i].PortName < endpoints[j].PortName
	})

	matched := make([]bool, len(endpoints))
	var tunnels []DiscoveredTunnel
	var orphans []OrphanEndpoint

	for i, a := range endpoints {
		if matched[i] {
			continue
		}

		peerHost, ok := byHost[a.RemoteIP]
		if !ok {
			orphans = append(orphans, OrphanEndpoint{a, "remote address belongs to no known host"})
			matched[i] = true
			continue
		}

		found := false
		for j := i + 1; j < len(endpoints); j++ {
			b := endpoints[j]
			if matched[j] || b.HostID != peerHost || b.VNI != a.VNI {
				continue
			}
			if b.RemoteIP != dataplane[a.HostID] {
				continue
			}
			tunnels = append(tunnels, DiscoveredTunnel{A: a, B: b, VNI: a.VNI})
			matched[i], matched[j] = true, true
			found = true
			break
		}
		if !found {
			orphans = append(orphans, OrphanEndpoint{a, "no matching endpoint on peer host"})
			matched[i] = true
		}
	}

	if len(orphans) > 0 {
		inv.log.Warnw("discovery found orphan tunnel endpoints", "count", len(orphans))
	}
	return tunnels, orphans
}

// ObservedVNIs returns every VNI carried by any tunnel or gateway port in
// the snapshot, for seeding the identifier allocator.
func (inv *Inventory) ObservedVNIs() []uint32 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	seen := make(map[uint32]bool)
	for _, sw := range inv.switches {
		for _, p := range sw.Ports {
			if p.VNI != 0 {
				seen[p.VNI] = true
			}
		}
	}

	out := make([]uint32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
