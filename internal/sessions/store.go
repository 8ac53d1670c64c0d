// Package sessions implements the session store (C10) and the
// context/session manager (C11): single-file JSON persistence of one
// session's memory snapshot, and a thread-safe session_id -> Session
// registry with lazy and eager TTL expiry.
//
// Grounded on the mutex-guarded, clone-on-read/write map shape of
// internal/sessions/memory.go in the teacher repo and the idle-timeout
// check idiom of its internal/sessions/expiry.go; both are rewritten
// against pkg/models.Session (single-file blob persistence, no
// channel/agent/branch routing) rather than copied, since the teacher's
// Session carries a multi-channel, multi-agent shape this module has no
// use for.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nexus-agent/runtime/pkg/models"
)

// Store persists a single session's snapshot to one JSON file (§4.10).
type Store struct {
	path string
}

// NewStore returns a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot at Store's path. A missing file yields a fresh,
// empty snapshot (not an error); a corrupt file is deleted and the caller
// is warned by a returned error together with an empty snapshot.
func (s *Store) Load() (models.SessionSnapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.SessionSnapshot{}, nil
	}
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("read session file: %w", err)
	}

	var snap models.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = os.Remove(s.path)
		return models.SessionSnapshot{}, fmt.Errorf("session file at %s was corrupt and has been removed: %w", s.path, err)
	}
	return snap, nil
}

// Save writes snap to Store's path, creating parent directories as
// needed. Called on session end and after each agent turn (§4.10).
func (s *Store) Save(snap models.SessionSnapshot) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
