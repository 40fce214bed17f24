package overlay

import "sort"

// TopologyNode is a vertex in the topology graph: a host, a switch, or a
// network.
type TopologyNode struct {
	ID   string `json:"id"`
	Type string `json:"type"` // host | switch | network
	Name string `json:"name"`
}

// TopologyEdge is one relation in the graph. Kind "hosts" links a host to a
// bridge on it, "member" links a network to a member switch, "tunnel" links
// two switches carrying a live tunnel.
type TopologyEdge struct {
	From  string      `json:"from"`
	To    string      `json:"to"`
	Kind  string      `json:"kind"`
	VNI   uint32      `json:"vni,omitempty"`
	State TunnelState `json:"state,omitempty"`
}

// TopologyView is the full node/edge graph for visualization.
type TopologyView struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// Topology assembles the current graph from the inventory, the declared
// networks, and the live tunnel view.
func (m *Manager) Topology() TopologyView {
	var view TopologyView

	for _, h := range m.inv.Hosts() {
		name := h.Hostname
		if name == "" {
			name = h.ManagementAddr
		}
		view.Nodes = append(view.Nodes, TopologyNode{ID: h.ID, Type: "host", Name: name})
	}
	for _, sw := range m.inv.Switches() {
		view.Nodes = append(view.Nodes, TopologyNode{ID: sw.ID, Type: "switch", Name: sw.Name})
		view.Edges = append(view.Edges, TopologyEdge{From: sw.HostID, To: sw.ID, Kind: "hosts"})
	}

	m.mu.Lock()
	for _, n := range m.networks {
		view.Nodes = append(view.Nodes, TopologyNode{ID: n.ID, Type: "network", Name: n.Name})
		for _, swID := range n.SwitchIDs {
			view.Edges = append(view.Edges, TopologyEdge{From: n.ID, To: swID, Kind: "member", VNI: n.VNI})
		}
	}
	for _, t := range m.tunnels {
		view.Edges = append(view.Edges, TopologyEdge{
			From: t.A.SwitchID, To: t.B.SwitchID,
			Kind: "tunnel", VNI: t.VNI, State: t.State,
		})
	}
	m.mu.Unlock()

	sort.Slice(view.Nodes, func(i, j int) bool { return view.Nodes[i].ID < view.Nodes[j].ID })
	sort.Slice(view.Edges, func(i, j int) bool {
		if view.Edges[i].From != view.Edges[j].From {
			return view.Edges[i].From < view.Edges[j].From
		}
		if view.Edges[i].To != view.Edges[j].To {
			return view.Edges[i].To < view.Edges[j].To
		}
		return view.Edges[i].Kind < view.Edges[j].Kind
	})
	return view
}
