// Package config loads the controller's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or from plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the controller configuration.
type Config struct {
	// ListenAddr is the API bind address.
	ListenAddr string `yaml:"listenAddr"`

	// State file locations.
	StatePath string `yaml:"statePath"` // declared networks
	HostsPath string `yaml:"hostsPath"` // host registry
	CredsPath string `yaml:"credsPath"` // host credentials
	DHCPPath  string `yaml:"dhcpPath"`  // per-network DHCP settings

	// Overlay identifier space. Zero values take the full usable range.
	VNIMin uint32 `yaml:"vniMin"`
	VNIMax uint32 `yaml:"vniMax"`

	// ReconcileInterval is the background convergence period; 0 disables
	// the loop.
	ReconcileInterval Duration `yaml:"reconcileInterval"`

	// MaxConcurrentPairs caps mesh-wide tunnel fan-out.
	MaxConcurrentPairs int `yaml:"maxConcurrentPairs"`

	// CommandTimeout bounds every remote management command.
	CommandTimeout Duration `yaml:"commandTimeout"`
}

// Defaults returns a Config with every field at its default.
func Defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		StatePath:          "/var/lib/overmesh/networks.yaml",
		HostsPath:          "/var/lib/overmesh/hosts.yaml",
		CredsPath:          "/var/lib/overmesh/credentials.yaml",
		DHCPPath:           "/var/lib/overmesh/dhcp.yaml",
		ReconcileInterval:  Duration(60 * time.Second),
		MaxConcurrentPairs: 4,
		CommandTimeout:     Duration(30 * time.Second),
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.VNIMin != 0 && cfg.VNIMax != 0 && cfg.VNIMin > cfg.VNIMax {
		return cfg, fmt.Errorf("vniMin %d exceeds vniMax %d", cfg.VNIMin, cfg.VNIMax)
	}
	if cfg.MaxConcurrentPairs < 0 {
		return cfg, fmt.Errorf("maxConcurrentPairs must not be negative")
	}
	return cfg, nil
}
