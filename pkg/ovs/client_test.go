package ovs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vswitch"
)

// fakeExecutor answers commands from a canned table and records everything
// it is asked to run.
type fakeExecutor struct {
	responses map[string]string // command prefix -> output
	errs      map[string]error  // command prefix -> error
	commands  []string
}

func (f *fakeExecutor) Execute(_ context.Context, _ remote.Target, command string) (string, error) {
	f.commands = append(f.commands, command)
	for prefix, err := range f.errs {
		if strings.HasPrefix(command, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeExecutor) Close() error { return nil }

func newTestClient(f *fakeExecutor) *Client {
	return NewClient(remote.Target{HostID: "h1", Addr: "192.168.88.10"}, f, zap.NewNop().Sugar())
}

const interfaceListing = `name                : "vxlan1005_11"
type                : vxlan
options             : {key="1005", remote_ip="192.168.88.11"}
external_ids        : {}

name                : "gw1005"
type                : internal
options             : {}
external_ids        : {overlay-network="net-1", overlay-vni="1005"}

name                : "br-ovs"
type                : internal
options             : {}
external_ids        : {}

name                : "eth1"
type                : ""
options             : {}
external_ids        : {}
`

func TestListBridges(t *testing.T) {
	f := &fakeExecutor{responses: map[string]string{
		"ovs-vsctl list-br":    "br-ovs\nbr-mgmt\n",
		"ovs-vsctl get bridge": "true\n",
	}}
	c := newTestClient(f)

	bridges, err := c.ListBridges(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bridges) != 2 {
		t.Fatalf("got %d bridges, want 2", len(bridges))
	}
	if bridges[0].Name != "br-ovs" || !bridges[0].STP {
		t.Errorf("bridge[0] = %+v, want br-ovs with STP", bridges[0])
	}
}

func TestListPortsClassification(t *testing.T) {
	f := &fakeExecutor{responses: map[string]string{
		"ovs-vsctl list-ports":     "vxlan1005_11\ngw1005\neth1\n",
		"ovs-vsctl --columns=name": interfaceListing,
	}}
	c := newTestClient(f)

	ports, err := c.ListPorts(context.Background(), "br-ovs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("got %d ports, want 3", len(ports))
	}

	byName := make(map[string]vswitch.PortInfo)
	for _, p := range ports {
		byName[p.Name] = p
	}

	tun := byName["vxlan1005_11"]
	if tun.Role != vswitch.RoleTunnel || tun.RemoteIP != "192.168.88.11" || tun.VNI != 1005 {
		t.Errorf("tunnel port = %+v, want role=tunnel remote=192.168.88.11 vni=1005", tun)
	}

	gw := byName["gw1005"]
	if gw.Role != vswitch.RoleGateway || gw.VNI != 1005 {
		t.Errorf("gateway port = %+v, want role=service-gateway vni=1005", gw)
	}

	if byName["eth1"].Role != vswitch.RolePhysical {
		t.Errorf("eth1 role = %s, want physical", byName["eth1"].Role)
	}
}

func TestListPortsEmptyBridge(t *testing.T) {
	f := &fakeExecutor{responses: map[string]string{
		"ovs-vsctl list-ports": "\n",
	}}
	c := newTestClient(f)

	ports, err := c.ListPorts(context.Background(), "br-empty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ports) != 0 {
		t.Errorf("got %d ports on empty bridge, want 0", len(ports))
	}
	// No interface listing should be fetched for an empty bridge.
	if len(f.commands) != 1 {
		t.Errorf("ran %d commands, want 1: %v", len(f.commands), f.commands)
	}
}

func TestCreateTunnelPortCommand(t *testing.T) {
	f := &fakeExecutor{}
	c := newTestClient(f)

	err := c.CreateTunnelPort(context.Background(), "br-ovs", "vxlan1005_11", vswitch.TunnelPortSpec{
		RemoteIP: "192.168.88.11",
		VNI:      1005,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "ovs-vsctl add-port br-ovs vxlan1005_11 -- set interface vxlan1005_11 type=vxlan options:remote_ip=192.168.88.11 options:key=1005"
	if len(f.commands) != 1 || f.commands[0] != want {
		t.Errorf("command = %q, want %q", f.commands, want)
	}
}

func TestCreateServicePortCommands(t *testing.T) {
	f := &fakeExecutor{}
	c := newTestClient(f)

	err := c.CreateServicePort(context.Background(), "br-ovs", "gw1005", vswitch.ServicePortSpec{
		VNI:       1005,
		GatewayIP: "10.0.1.1/24",
		NetworkID: "net-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.commands) != 3 {
		t.Fatalf("ran %d commands, want 3: %v", len(f.commands), f.commands)
	}

	if !strings.Contains(f.commands[0], "type=internal") {
		t.Errorf("add-port command = %q, want internal type", f.commands[0])
	}
	if !strings.Contains(f.commands[0], "external_ids:overlay-vni=1005") {
		t.Errorf("add-port command = %q, want overlay binding", f.commands[0])
	}
	// The VNI is an overlay key; it must never be applied as an 802.1Q tag.
	if strings.Contains(f.commands[0], "tag=") {
		t.Errorf("add-port command applies a VLAN tag: %q", f.commands[0])
	}
	if !strings.Contains(f.commands[1], "ip addr add 10.0.1.1/24 dev gw1005") {
		t.Errorf("addr command = %q", f.commands[1])
	}
	if f.commands[2] != "ip link set gw1005 up" {
		t.Errorf("link command = %q", f.commands[2])
	}
}

func TestDeletePortIdempotent(t *testing.T) {
	f := &fakeExecutor{}
	c := newTestClient(f)

	if err := c.DeletePort(context.Background(), "br-ovs", "vxlan1005_11"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ovs-vsctl --if-exists del-port br-ovs vxlan1005_11"
	if f.commands[0] != want {
		t.Errorf("command = %q, want %q", f.commands[0], want)
	}
}

func TestVersion(t *testing.T) {
	f := &fakeExecutor{responses: map[string]string{
		"ovs-vsctl --version": "ovs-vsctl (Open vSwitch) 3.1.2\nDB Schema 8.3.1\n",
	}}
	c := newTestClient(f)

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "3.1.2" {
		t.Errorf("version = %q, want 3.1.2", v)
	}
}

func TestMalformedOutputIsUnreachableClass(t *testing.T) {
	f := &fakeExecutor{responses: map[string]string{
		"ovs-vsctl get bridge": "ovs-vsctl: no row \"br-x\" in table Bridge\n",
	}}
	c := newTestClient(f)

	_, err := c.STPEnabled(context.Background(), "br-x")
	if !remote.IsUnreachable(err) {
		t.Errorf("expected unreachable-class error, got %v", err)
	}
}

func TestExecutorErrorsPropagate(t *testing.T) {
	f := &fakeExecutor{errs: map[string]error{
		"ovs-vsctl list-br": remote.ErrUnreachable,
	}}
	c := newTestClient(f)

	_, err := c.ListBridges(context.Background())
	if !errors.Is(err, remote.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestParseMap(t *testing.T) {
	tests := []struct {
		in   string
		key  string
		want string
	}{
		{`{key="1005", remote_ip="192.168.88.11"}`, "remote_ip", "192.168.88.11"},
		{`{key="1005", remote_ip="192.168.88.11"}`, "key", "1005"},
		{`{}`, "key", ""},
		{`{overlay-vni="7"}`, "overlay-vni", "7"},
	}
	for _, tt := range tests {
		got := parseMap(tt.in)[tt.key]
		if got != tt.want {
			t.Errorf("parseMap(%q)[%q] = %q, want %q", tt.in, tt.key, got, tt.want)
		}
	}
}
