package dhcp

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Reservation pins a MAC address to a fixed lease.
type Reservation struct {
	MAC      string `json:"mac" yaml:"mac"`
	IP       string `json:"ip" yaml:"ip"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

// Settings is everything needed to render a dnsmasq instance for one
// network, bound to its gateway interface so it never answers on the
// underlay.
type Settings struct {
	NetworkID    string        `json:"networkId" yaml:"networkId"`
	VNI          uint32        `json:"vni" yaml:"vni"`
	HostID       string        `json:"hostId" yaml:"hostId"`
	Interface    string        `json:"interface" yaml:"interface"`
	RangeStart   string        `json:"rangeStart" yaml:"rangeStart"`
	RangeEnd     string        `json:"rangeEnd" yaml:"rangeEnd"`
	Netmask      string        `json:"netmask" yaml:"netmask"`
	Gateway      string        `json:"gateway" yaml:"gateway"`
	LeaseTime    string        `json:"leaseTime" yaml:"leaseTime"`
	DNSServers   []string      `json:"dnsServers" yaml:"dnsServers"`
	Reservations []Reservation `json:"reservations,omitempty" yaml:"reservations,omitempty"`
}

var defaultDNS = []string{"8.8.8.8", "8.8.4.4"}

// Render produces the dnsmasq configuration file contents.
func (s Settings) Render() string {
	dns := s.DNSServers
	if len(dns) == 0 {
		dns = defaultDNS
	}
	lease := s.LeaseTime
	if lease == "" {
		lease = "24h"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# DHCP for overlay network %s (VNI %d)\n", s.NetworkID, s.VNI)
	b.WriteString("# Auto-generated - do not edit manually\n\n")

	fmt.Fprintf(&b, "interface=%s\n", s.Interface)
	b.WriteString("bind-interfaces\n\n")

	fmt.Fprintf(&b, "dhcp-range=%s,%s,%s,%s\n", s.RangeStart, s.RangeEnd, s.Netmask, lease)
	fmt.Fprintf(&b, "dhcp-option=option:router,%s\n", s.Gateway)
	fmt.Fprintf(&b, "dhcp-option=option:dns-server,%s\n\n", strings.Join(dns, ","))

	fmt.Fprintf(&b, "dhcp-leasefile=%s\n", s.leaseFile())
	b.WriteString("log-dhcp\n")
	b.WriteString("no-hosts\n")
	b.WriteString("no-resolv\n")
	for _, d := range dns {
		fmt.Fprintf(&b, "server=%s\n", d)
	}

	if len(s.Reservations) > 0 {
		b.WriteString("\n# Static reservations\n")
		res := append([]Reservation(nil), s.Reservations...)
		sort.Slice(res, func(i, j int) bool { return res[i].MAC < res[j].MAC })
		for _, r := range res {
			if r.Hostname != "" {
				fmt.Fprintf(&b, "dhcp-host=%s,%s,%s\n", r.MAC, r.IP, r.Hostname)
			} else {
				fmt.Fprintf(&b, "dhcp-host=%s,%s\n", r.MAC, r.IP)
			}
		}
	}
	return b.String()
}

func (s Settings) configPath() string {
	return fmt.Sprintf("/etc/dnsmasq.d/overmesh-%s.conf", s.NetworkID)
}

func (s Settings) leaseFile() string {
	return fmt.Sprintf("/var/lib/misc/dnsmasq-overmesh-%s.leases", s.NetworkID)
}

// netmaskFor derives a dotted netmask from a CIDR subnet, defaulting to /24
// when the subnet cannot be parsed.
func netmaskFor(subnet string) string {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil || ipnet.IP.To4() == nil {
		return "255.255.255.0"
	}
	return net.IP(ipnet.Mask).String()
}

// defaultRange picks a lease range inside the subnet, leaving room below
// for the gateway and static addresses and above for the broadcast.
func defaultRange(subnet string) (string, string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", "", fmt.Errorf("parsing subnet %q: %w", subnet, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return "", "", fmt.Errorf("subnet %q is not IPv4", subnet)
	}
	ones, bits := ipnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	if size < 32 {
		return "", "", fmt.Errorf("subnet %q too small for a lease range", subnet)
	}

	base := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	start := base + 10
	end := base + size - 6
	return u32ToIP(start), u32ToIP(end), nil
}

func u32ToIP(v uint32) string {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
}
