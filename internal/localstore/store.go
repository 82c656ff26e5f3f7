package localstore

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Store is the on-device key/value collaborator backing the ledger and the
// small bits of session state that must survive restarts (last device id,
// last sync timestamp). Writes are atomic via write-then-rename so a crash
// mid-write never leaves a torn value.
type Store struct {
	dir string
}

// New creates the backing directory if needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("localstore: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Get returns the value for key, with found=false when the key is absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return data, true, nil
}

// Set durably stores value under key.
func (s *Store) Set(key string, value []byte) error {
	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("localstore: commit %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: remove %s: %w", key, err)
	}
	return nil
}

// path flattens the key into a single file name. Query-escaping is injective,
// so distinct keys can never share a file.
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key))
}
