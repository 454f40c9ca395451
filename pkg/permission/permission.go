// Package permission implements PermissionStore, the L8 per-origin
// capability store: local-JSON-backed decisions with an in-memory cache,
// mirroring the load/save round trip of models.Backup but swapped from
// Redis-backed to a single local file, since a desktop-scoped
// permission store has no business talking to a database server.
package permission

import (
	"encoding/json"
	"os"
	"sync"
)

// Capability names a requestable NIP-07 capability.
type Capability string

const (
	GetPublicKey Capability = "GetPublicKey"
	SignEvent    Capability = "SignEvent"
	Encrypt      Capability = "Encrypt"
	Decrypt      Capability = "Decrypt"
	ReadEvents   Capability = "ReadEvents"
	PublishEvent Capability = "PublishEvent"
)

// Store is the L8 permission store.
type Store struct {
	mu   sync.Mutex
	path string
	// decisions[origin][capability] = granted
	decisions map[string]map[Capability]bool
}

// Open loads decisions from path, or starts empty if the file doesn't
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, decisions: make(map[string]map[Capability]bool)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.decisions); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.decisions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0640)
}

// NeedsPrompt reports whether origin has no prior decision for cap and
// cap isn't GetPublicKey, which is implicitly always granted.
func (s *Store) NeedsPrompt(origin string, cap Capability) bool {
	if cap == GetPublicKey {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.decisions[origin][cap]
	return !ok
}

// IsGranted reports the stored decision for origin/cap. GetPublicKey is
// always granted regardless of stored state.
func (s *Store) IsGranted(origin string, cap Capability) bool {
	if cap == GetPublicKey {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions[origin][cap]
}

// SetDecision records a capability decision for origin and persists it.
func (s *Store) SetDecision(origin string, cap Capability, granted bool) error {
	s.mu.Lock()
	if s.decisions[origin] == nil {
		s.decisions[origin] = make(map[Capability]bool)
	}
	s.decisions[origin][cap] = granted
	s.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}
