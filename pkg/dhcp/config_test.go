package dhcp

import (
	"strings"
	"testing"
)

func TestRenderConfig(t *testing.T) {
	s := Settings{
		NetworkID:  "net-1",
		VNI:        1005,
		Interface:  "gw1005",
		RangeStart: "10.0.1.10",
		RangeEnd:   "10.0.1.250",
		Netmask:    "255.255.255.0",
		Gateway:    "10.0.1.1",
	}
	out := s.Render()

	for _, want := range []string{
		"interface=gw1005",
		"bind-interfaces",
		"dhcp-range=10.0.1.10,10.0.1.250,255.255.255.0,24h",
		"dhcp-option=option:router,10.0.1.1",
		"dhcp-option=option:dns-server,8.8.8.8,8.8.4.4",
		"dhcp-leasefile=/var/lib/misc/dnsmasq-overmesh-net-1.leases",
		"no-resolv",
		"server=8.8.8.8",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered config missing %q:\n%s", want, out)
		}
	}
}

func TestRenderReservations(t *testing.T) {
	s := Settings{
		NetworkID:  "net-1",
		Interface:  "gw1005",
		RangeStart: "10.0.1.10",
		RangeEnd:   "10.0.1.250",
		Netmask:    "255.255.255.0",
		Gateway:    "10.0.1.1",
		Reservations: []Reservation{
			{MAC: "00:11:22:33:44:55", IP: "10.0.1.20", Hostname: "db1"},
			{MAC: "00:11:22:33:44:66", IP: "10.0.1.21"},
		},
	}
	out := s.Render()

	if !strings.Contains(out, "dhcp-host=00:11:22:33:44:55,10.0.1.20,db1") {
		t.Errorf("named reservation missing:\n%s", out)
	}
	if !strings.Contains(out, "dhcp-host=00:11:22:33:44:66,10.0.1.21\n") {
		t.Errorf("unnamed reservation missing:\n%s", out)
	}
}

func TestNetmaskFor(t *testing.T) {
	tests := []struct {
		subnet string
		want   string
	}{
		{"10.0.1.0/24", "255.255.255.0"},
		{"172.16.0.0/16", "255.255.0.0"},
		{"10.0.0.0/20", "255.255.240.0"},
		{"garbage", "255.255.255.0"},
	}
	for _, tt := range tests {
		if got := netmaskFor(tt.subnet); got != tt.want {
			t.Errorf("netmaskFor(%s) = %s, want %s", tt.subnet, got, tt.want)
		}
	}
}

func TestDefaultRange(t *testing.T) {
	start, end, err := defaultRange("10.0.1.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != "10.0.1.10" {
		t.Errorf("start = %s, want 10.0.1.10", start)
	}
	if end != "10.0.1.250" {
		t.Errorf("end = %s, want 10.0.1.250", end)
	}

	if _, _, err := defaultRange("10.0.1.0/30"); err == nil {
		t.Error("expected error for subnet too small")
	}
	if _, _, err := defaultRange("not-a-subnet"); err == nil {
		t.Error("expected error for unparseable subnet")
	}
}

func TestParseLeases(t *testing.T) {
	out := `1767225600 00:11:22:33:44:55 10.0.1.20 db1 01:00:11:22:33:44:55
1767225700 00:11:22:33:44:66 10.0.1.21 * *

`
	leases := parseLeases(out)
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}
	if leases[0].MAC != "00:11:22:33:44:55" || leases[0].IP != "10.0.1.20" || leases[0].Hostname != "db1" {
		t.Errorf("lease[0] = %+v", leases[0])
	}
	if leases[0].Expires.IsZero() {
		t.Error("expiry not parsed")
	}
	if leases[1].Hostname != "" {
		t.Errorf("placeholder hostname not stripped: %q", leases[1].Hostname)
	}

	if got := parseLeases(""); len(got) != 0 {
		t.Errorf("empty lease file yielded %d leases", len(got))
	}
}

func TestGatewayAddr(t *testing.T) {
	if got := gatewayAddr("10.0.1.1/24"); got != "10.0.1.1" {
		t.Errorf("gatewayAddr CIDR = %s", got)
	}
	if got := gatewayAddr("10.0.1.1"); got != "10.0.1.1" {
		t.Errorf("gatewayAddr bare = %s", got)
	}
}
