package overlay

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// overlayState is the persisted declared state: networks only. Live tunnel
// state is never persisted; discovery re-derives it from the hosts at
// startup.
type overlayState struct {
	Networks map[string]*Network `yaml:"networks"`
}

// stateStore handles loading and saving overlayState to a YAML file.
type stateStore struct {
	mu   sync.RWMutex
	path string
	data *overlayState
}

func newStateStore(path string) *stateStore {
	return &stateStore{
		path: path,
		data: &overlayState{Networks: make(map[string]*Network)},
	}
}

func (s *stateStore) load() error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state overlayState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parsing overlay state: %w", err)
	}
	if state.Networks == nil {
		state.Networks = make(map[string]*Network)
	}

	s.mu.Lock()
	s.data = &state
	s.mu.Unlock()
	return nil
}

func (s *stateStore) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	raw, err := yaml.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling overlay state: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing overlay state to %s: %w", s.path, err)
	}
	return nil
}

func (s *stateStore) networks() map[string]*Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Networks
}

// setNetwork records a network for persistence. Callers must pass a
// detached copy; the store marshals its objects without the manager lock.
func (s *stateStore) setNetwork(n *Network) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Networks[n.ID] = n
}

func (s *stateStore) removeNetwork(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Networks, id)
}
