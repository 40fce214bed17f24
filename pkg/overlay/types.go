package overlay

import (
	"time"
)

// TunnelState is the lifecycle state of one tunnel. Transitions are driven
// only by reconcile calls and discovery; Up is reached only when both sides
// are confirmed present.
type TunnelState string

const (
	TunnelPlanned  TunnelState = "planned"
	TunnelCreating TunnelState = "creating"
	TunnelUp       TunnelState = "up"
	TunnelDegraded TunnelState = "degraded" // one side missing
	TunnelDeleting TunnelState = "deleting"
	TunnelGone     TunnelState = "gone"
)

// TunnelSide is one endpoint of a live tunnel.
type TunnelSide struct {
	SwitchID string `json:"switchId" yaml:"switchId"`
	HostID   string `json:"hostId" yaml:"hostId"`
	Bridge   string `json:"bridge" yaml:"bridge"`
	PortName string `json:"portName" yaml:"portName"`
	Present  bool   `json:"present" yaml:"-"`
}

// Tunnel is a logical bidirectional link between two switches for one
// network. Identity is the unordered switch pair plus VNI; at most one
// tunnel exists per such key.
type Tunnel struct {
	Key       string      `json:"key"`
	NetworkID string      `json:"networkId"`
	VNI       uint32      `json:"vni"`
	A         TunnelSide  `json:"a"`
	B         TunnelSide  `json:"b"`
	State     TunnelState `json:"state"`
}

// Network is a declared overlay-network intent.
type Network struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	VNI          uint32            `json:"vni" yaml:"vni"`
	Subnet       string            `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	Gateway      string            `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	SwitchIDs    []string          `json:"switchIds" yaml:"switchIds"`
	ServicePorts map[string]string `json:"servicePorts,omitempty" yaml:"servicePorts,omitempty"` // host id -> port name
	CreatedAt    time.Time         `json:"createdAt" yaml:"createdAt"`
}

// clone returns a deep copy whose maps and slices share nothing with the
// receiver. Persisted state and API views must never alias the live network
// the manager mutates.
func (n *Network) clone() *Network {
	c := *n
	c.SwitchIDs = append([]string(nil), n.SwitchIDs...)
	if n.ServicePorts != nil {
		c.ServicePorts = make(map[string]string, len(n.ServicePorts))
		for k, v := range n.ServicePorts {
			c.ServicePorts[k] = v
		}
	}
	return &c
}

// PairResult reports the outcome of reconciling one switch pair.
type PairResult struct {
	SwitchA string      `json:"switchA"`
	SwitchB string      `json:"switchB"`
	PortA   string      `json:"portA"`
	PortB   string      `json:"portB"`
	State   TunnelState `json:"state"`
	Error   string      `json:"error,omitempty"`
}

// NetworkView is the API-facing shape of a network with its live tunnels.
// Callers always get the full per-pair picture, never a bare boolean.
type NetworkView struct {
	Network
	Degraded bool         `json:"degraded"`
	Tunnels  []Tunnel     `json:"tunnels"`
	Pairs    []PairResult `json:"pairs,omitempty"`
}

// PortRef identifies a service port that was ensured on a host.
type PortRef struct {
	NetworkID string `json:"networkId"`
	HostID    string `json:"hostId"`
	SwitchID  string `json:"switchId"`
	PortName  string `json:"portName"`
}
