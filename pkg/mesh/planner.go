// Package mesh computes the full-mesh tunnel topology implied by a
// network's switch membership: every unordered pair of member switches,
// each with a collision-free pair of endpoint port names.
package mesh

import (
	"fmt"
	"hash/fnv"
	"net"
	"sort"

	"github.com/recira/overmesh/pkg/inventory"
)

// Member is one participating switch with its host's data-plane address.
type Member struct {
	SwitchID string
	HostID   string
	Bridge   string
	DataIP   string // host's data-plane (tunnel endpoint) address
}

// Endpoint is one side of a planned tunnel.
type Endpoint struct {
	SwitchID string
	HostID   string
	Bridge   string
	PortName string
	LocalIP  string
	RemoteIP string
}

// TunnelSpec is one planned tunnel: two endpoints sharing a VNI. A is the
// side with the lexically smaller switch id, so specs compare stably against
// discovered tunnels.
type TunnelSpec struct {
	A, B Endpoint
	VNI  uint32
}

// Key identifies a tunnel by its unordered switch pair and VNI. At most one
// tunnel may exist per key.
func (s TunnelSpec) Key() string {
	return fmt.Sprintf("%s|%s|%d", s.A.SwitchID, s.B.SwitchID, s.VNI)
}

// PairKey builds a tunnel key from two switch ids in either order.
func PairKey(switchA, switchB string, vni uint32) string {
	if switchB < switchA {
		switchA, switchB = switchB, switchA
	}
	return fmt.Sprintf("%s|%s|%d", switchA, switchB, vni)
}

// Plan produces the complete graph on members for the given VNI:
// n·(n−1)/2 tunnels, in deterministic order. Fewer than two members plan to
// an empty mesh.
func Plan(vni uint32, members []Member) []TunnelSpec {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SwitchID < sorted[j].SwitchID })

	var specs []TunnelSpec
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			specs = append(specs, TunnelSpec{
				VNI: vni,
				A: Endpoint{
					SwitchID: a.SwitchID,
					HostID:   a.HostID,
					Bridge:   a.Bridge,
					PortName: PortName(vni, b.DataIP),
					LocalIP:  a.DataIP,
					RemoteIP: b.DataIP,
				},
				B: Endpoint{
					SwitchID: b.SwitchID,
					HostID:   b.HostID,
					Bridge:   b.Bridge,
					PortName: PortName(vni, a.DataIP),
					LocalIP:  b.DataIP,
					RemoteIP: a.DataIP,
				},
			})
		}
	}
	return specs
}

// PortName derives the endpoint port name for a tunnel toward remoteIP:
// "vxlan<VNI>_<suffix>". A full mesh puts N−1 ports for the same VNI on one
// switch; naming by VNI alone collides after the first pair, so the remote
// address suffix disambiguates.
func PortName(vni uint32, remoteIP string) string {
	return fmt.Sprintf("vxlan%d_%s", vni, addrSuffix(remoteIP))
}

// addrSuffix is the last octet for IPv4 addresses, or a short stable hash
// of the address otherwise.
func addrSuffix(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return fmt.Sprintf("%d", v4[3])
		}
	}
	h := fnv.New32a()
	h.Write([]byte(addr))
	return fmt.Sprintf("h%x", h.Sum32()&0xffffff)
}

// MembersFromSwitches resolves switch ids into plan members using the
// inventory. Unknown switches or hosts are reported as errors.
func MembersFromSwitches(inv *inventory.Inventory, switchIDs []string) ([]Member, error) {
	members := make([]Member, 0, len(switchIDs))
	for _, id := range switchIDs {
		sw, err := inv.Switch(id)
		if err != nil {
			return nil, err
		}
		h, err := inv.Host(sw.HostID)
		if err != nil {
			return nil, fmt.Errorf("switch %s: %w", id, err)
		}
		members = append(members, Member{
			SwitchID: sw.ID,
			HostID:   h.ID,
			Bridge:   sw.Name,
			DataIP:   h.DataPlaneAddr,
		})
	}
	return members, nil
}
