// Package rules persists generated detection rules as {id}.yaml files in a
// single directory. The file's existence is what makes generation idempotent.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const ext = ".yaml"

var (
	// ErrNotFound is returned when no rule file exists for an ID.
	ErrNotFound = errors.New("rule not found")
	// ErrInvalidID is returned for IDs that cannot name a file in the store.
	ErrInvalidID = errors.New("invalid rule id")
)

// Store manages rule files on disk.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir. The directory is created lazily on
// first write. A relative dir is resolved against the working directory so it
// can be bind-mounted into a scanner container.
func NewStore(dir string) *Store {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the rule for id lives, whether or not it exists.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+ext)
}

// Exists reports whether a rule is stored for id.
func (s *Store) Exists(id string) bool {
	if checkID(id) != nil {
		return false
	}
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Read returns the stored text for id, byte for byte.
func (s *Store) Read(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read rule %s: %w", id, err)
	}
	return string(data), nil
}

// Create stores text for id unless a rule is already there, in which case the
// existing file wins and text is discarded. It returns the rule's path and
// whether this call wrote it.
func (s *Store) Create(id, text string) (string, bool, error) {
	if err := checkID(id); err != nil {
		return "", false, err
	}
	path := s.Path(id)
	created, err := createExclusive(path, []byte(text))
	if err != nil {
		return "", false, fmt.Errorf("store rule %s: %w", id, err)
	}
	return path, created, nil
}

// Replace overwrites the rule for id. Refinement is the only caller.
func (s *Store) Replace(id, text string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	path := s.Path(id)
	if err := writeAtomic(path, []byte(text)); err != nil {
		return "", fmt.Errorf("replace rule %s: %w", id, err)
	}
	return path, nil
}

// Delete removes the rule for id.
func (s *Store) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := os.Remove(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List returns the IDs of all stored rules in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

func checkID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
