// Package settings is the process-wide key-value configuration consumed
// by the rubric permission checks. Every key has a default; values live
// in the database so that all server processes agree on them.
package settings

import (
	"fmt"
	"sync"
)

// Permission tiers for rubric creation and modification.
const (
	TierPermissive = "permissive"
	TierPerUser    = "per-user"
	TierLocked     = "locked"
)

const (
	KeyWhoCanCreateRubrics = "who-can-create-rubrics"
	KeyWhoCanModifyRubrics = "who-can-modify-rubrics"

	KeyAllowHalf    = "allow-half-point-rubrics"
	KeyAllowThird   = "allow-third-point-rubrics"
	KeyAllowQuarter = "allow-quarter-point-rubrics"
	KeyAllowFifth   = "allow-fifth-point-rubrics"
	KeyAllowEighth  = "allow-eighth-point-rubrics"
	KeyAllowTenth   = "allow-tenth-point-rubrics"
)

var defaults = map[string]string{
	KeyWhoCanCreateRubrics: TierPermissive,
	KeyWhoCanModifyRubrics: TierPerUser,
	KeyAllowHalf:           "false",
	KeyAllowThird:          "false",
	KeyAllowQuarter:        "false",
	KeyAllowFifth:          "false",
	KeyAllowEighth:         "false",
	KeyAllowTenth:          "false",
}

// Enabling a finer fraction grain switches on the coarser grains it is
// displayed in terms of. Implications only run forward: disabling a key
// never cascades.
var implications = map[string][]string{
	KeyAllowQuarter: {KeyAllowHalf},
	KeyAllowEighth:  {KeyAllowQuarter, KeyAllowHalf},
	KeyAllowTenth:   {KeyAllowFifth, KeyAllowHalf},
}

// Store is injected into the rubric services; tests use the in-memory
// implementation, the server uses the database-backed one.
type Store interface {
	Get(key string) (string, error)
	GetBool(key string) (bool, error)
	Set(key, value string) error
	Reset(key string) error
}

// Backend is the tiny slice of the mark store that settings need.
type Backend interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

type DBStore struct {
	backend Backend
}

func NewDBStore(backend Backend) *DBStore {
	return &DBStore{backend: backend}
}

func (s *DBStore) Get(key string) (string, error) {
	def, ok := defaults[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q", key)
	}
	value, found, err := s.backend.GetSetting(key)
	if err != nil {
		return "", err
	}
	if !found {
		return def, nil
	}
	return value, nil
}

func (s *DBStore) GetBool(key string) (bool, error) {
	value, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return parseBool(value)
}

func (s *DBStore) Set(key, value string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := s.backend.SetSetting(key, value); err != nil {
		return err
	}
	return applyImplications(s, key, value)
}

func (s *DBStore) Reset(key string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	return s.backend.DeleteSetting(key)
}

// MemoryStore keeps settings in a map, for tests and the CLI.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	def, ok := defaults[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q", key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, found := s.values[key]; found {
		return value, nil
	}
	return def, nil
}

func (s *MemoryStore) GetBool(key string) (bool, error) {
	value, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return parseBool(value)
}

func (s *MemoryStore) Set(key, value string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return applyImplications(s, key, value)
}

func (s *MemoryStore) Reset(key string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func applyImplications(s Store, key, value string) error {
	enabled, err := parseBool(value)
	if err != nil || !enabled {
		return nil
	}
	for _, implied := range implications[key] {
		if err := s.Set(implied, "true"); err != nil {
			return err
		}
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch value {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean setting value: %q", value)
}

// Keys lists every known setting key, for the settings API.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}
