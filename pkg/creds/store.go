// Package creds stores per-host management credentials. The storage format
// is opaque to the rest of the controller: callers resolve a secret by host
// id and never see how it is held.
package creds

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credential is the secret material for one host.
type Credential struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Store is a file-backed credential store keyed by host id.
type Store struct {
	mu    sync.RWMutex
	path  string
	creds map[string]Credential
}

// NewStore opens (or initializes) a store at path. An empty path yields a
// purely in-memory store.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		creds: make(map[string]Credential),
	}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading credential store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.creds); err != nil {
		return nil, fmt.Errorf("parsing credential store %s: %w", path, err)
	}
	if s.creds == nil {
		s.creds = make(map[string]Credential)
	}
	return s, nil
}

// Resolve returns the credential for hostID.
func (s *Store) Resolve(hostID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[hostID]
	if !ok {
		return Credential{}, fmt.Errorf("no credential for host %q", hostID)
	}
	return c, nil
}

// Put stores a credential and persists the store.
func (s *Store) Put(hostID string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[hostID] = c
	return s.save()
}

// Forget removes a host's credential and persists the store.
func (s *Store) Forget(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, hostID)
	return s.save()
}

// save writes the store to disk. Must be called with s.mu held.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(s.creds)
	if err != nil {
		return fmt.Errorf("marshaling credential store: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("writing credential store to %s: %w", s.path, err)
	}
	return nil
}
