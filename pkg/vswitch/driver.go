// Package vswitch defines the contract between the overlay controller and a
// virtual-switch backend on one host. The controller calls these methods
// instead of talking to a specific management client directly.
package vswitch

import (
	"context"
	"errors"
)

// ErrNotSupported is returned when a backend does not support an operation.
var ErrNotSupported = errors.New("operation not supported by this driver")

// Driver abstracts bridge, port and tunnel operations on a single host.
// Enumeration methods are read-only and safe to call concurrently with live
// traffic; mutating methods on the same host are serialized by the executor
// underneath.
type Driver interface {
	// Enumeration
	ListBridges(ctx context.Context) ([]BridgeInfo, error)
	ListPorts(ctx context.Context, bridge string) ([]PortInfo, error)

	// Tunnel endpoints
	CreateTunnelPort(ctx context.Context, bridge, port string, spec TunnelPortSpec) error

	// Service (gateway) ports
	CreateServicePort(ctx context.Context, bridge, port string, spec ServicePortSpec) error

	// DeletePort removes a port from a bridge. Idempotent: deleting an
	// absent port is not an error.
	DeletePort(ctx context.Context, bridge, port string) error

	// Loop prevention
	EnableSTP(ctx context.Context, bridge string) error
	STPEnabled(ctx context.Context, bridge string) (bool, error)

	// Introspection
	Version(ctx context.Context) (string, error)
	HostID() string
}

// BridgeInfo describes a bridge returned by ListBridges.
type BridgeInfo struct {
	Name string
	STP  bool
}

// PortRole classifies what a port is for.
type PortRole string

const (
	RolePhysical PortRole = "physical"
	RoleTunnel   PortRole = "tunnel-endpoint"
	RoleGateway  PortRole = "service-gateway"
	RoleInternal PortRole = "internal"
)

// PortInfo describes a port returned by ListPorts. For tunnel endpoints the
// remote address and VNI are filled from the interface options; for gateway
// ports the VNI comes from the recorded overlay binding.
type PortInfo struct {
	Name     string
	Role     PortRole
	RemoteIP string // tunnel endpoints only
	VNI      uint32 // tunnel and gateway ports; 0 otherwise
}

// TunnelPortSpec describes a tunnel endpoint to create.
type TunnelPortSpec struct {
	RemoteIP string // peer data-plane address
	VNI      uint32
}

// ServicePortSpec describes a gateway port to create. The VNI is recorded as
// the port's overlay binding; it is an overlay key, not an 802.1Q tag.
type ServicePortSpec struct {
	VNI       uint32
	GatewayIP string // address to assign, CIDR form (e.g. 10.0.1.1/24)
	NetworkID string
}
