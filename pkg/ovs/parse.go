package ovs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/recira/overmesh/pkg/remote"
	"github.com/recira/overmesh/pkg/vswitch"
)

// Output grammars expected from ovs-vsctl. Output that does not match is
// treated as an unreachable-class failure (a wedged or half-installed OVS
// answers like a dead host, it must not crash the controller):
//
//	list-br / list-ports    one name per line, blank lines ignored
//	get bridge X stp_enable "true" or "false"
//	--columns=... list interface
//	                        blank-line-separated blocks of
//	                        "column : value" lines; map values use
//	                        {k="v", k2="v2"} syntax
//	--version               first line: ovs-vsctl (Open vSwitch) X.Y.Z

var versionRe = regexp.MustCompile(`ovs-vsctl \(Open vSwitch\) (\d+\.\d+\.\d+)`)

// ifaceDetail is one block of `list interface` output.
type ifaceDetail struct {
	Type        string
	Options     map[string]string
	ExternalIDs map[string]string
}

func parseLines(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func parseBool(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, parseError("boolean", out)
}

func parseVersion(out string) (string, error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return "", parseError("version", out)
	}
	return m[1], nil
}

// parseInterfaceBlocks parses `list interface` output into details keyed by
// interface name.
func parseInterfaceBlocks(out string) (map[string]ifaceDetail, error) {
	details := make(map[string]ifaceDetail)

	for _, block := range strings.Split(out, "\n\n") {
		var name string
		d := ifaceDetail{
			Options:     map[string]string{},
			ExternalIDs: map[string]string{},
		}

		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			col, val, ok := strings.Cut(line, ":")
			if !ok {
				return nil, parseError("interface block", line)
			}
			col = strings.TrimSpace(col)
			val = strings.TrimSpace(val)

			switch col {
			case "name":
				name = strings.Trim(val, `"`)
			case "type":
				d.Type = strings.Trim(val, `"`)
			case "options":
				d.Options = parseMap(val)
			case "external_ids":
				d.ExternalIDs = parseMap(val)
			}
		}

		if name != "" {
			details[name] = d
		}
	}
	return details, nil
}

// parseMap parses OVSDB map syntax: {key="value", key2="value2"}.
func parseMap(val string) map[string]string {
	m := make(map[string]string)
	val = strings.TrimSpace(val)
	val = strings.TrimPrefix(val, "{")
	val = strings.TrimSuffix(val, "}")
	if val == "" {
		return m
	}
	for _, pair := range strings.Split(val, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return m
}

// classifyPort derives a PortInfo from an interface detail block. Ports with
// no detail block (ovs knows the port but not the interface) default to
// physical.
func classifyPort(name string, d ifaceDetail) vswitch.PortInfo {
	p := vswitch.PortInfo{Name: name, Role: vswitch.RolePhysical}

	switch d.Type {
	case "vxlan":
		p.Role = vswitch.RoleTunnel
		p.RemoteIP = d.Options["remote_ip"]
		if key, err := strconv.ParseUint(d.Options["key"], 10, 32); err == nil {
			p.VNI = uint32(key)
		}
	case "internal":
		if vni, err := strconv.ParseUint(d.ExternalIDs["overlay-vni"], 10, 32); err == nil {
			p.Role = vswitch.RoleGateway
			p.VNI = uint32(vni)
		} else {
			p.Role = vswitch.RoleInternal
		}
	}
	return p
}

// parseError classifies malformed command output as unreachable-class.
func parseError(what, got string) error {
	if len(got) > 120 {
		got = got[:120] + "..."
	}
	return fmt.Errorf("%w: unparseable %s output: %q", remote.ErrUnreachable, what, got)
}
