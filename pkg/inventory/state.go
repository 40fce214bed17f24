package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// hostFile is the on-disk shape of the host registry. Credentials live in
// the credential store, never here.
type hostFile struct {
	Hosts []Host `yaml:"hosts"`
}

// LoadHosts reads persisted host records. A missing file is an empty
// registry, not an error.
func LoadHosts(path string) ([]Host, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading host registry %s: %w", path, err)
	}

	var f hostFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing host registry %s: %w", path, err)
	}
	return f.Hosts, nil
}

// SaveHosts persists the inventory's host records.
func (inv *Inventory) SaveHosts(path string) error {
	if path == "" {
		return nil
	}
	raw, err := yaml.Marshal(hostFile{Hosts: inv.Hosts()})
	if err != nil {
		return fmt.Errorf("marshaling host registry: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("writing host registry to %s: %w", path, err)
	}
	return nil
}
