// Package attached implements the per-identity sparse keyed extensible
// store. Every access-control subsystem keeps its state under namespaced
// keys here; the store's lifetime is bounded by the identity record that
// owns it.
//
// The store deliberately has no enumeration primitive. A subsystem that
// needs iteration maintains its own explicit index list under a dedicated
// key and updates entry and index in the same operation.
package attached

import (
	"fmt"

	"idvault/pkg/platform/sentinel"
)

// Key addresses one stored value: a subsystem namespace tag plus a sub-key,
// e.g. {"permission", app_id}.
type Key struct {
	Namespace string
	Sub       string
}

func (k Key) String() string { return k.Namespace + ":" + k.Sub }

// Store is a sparsely-keyed map owned by a single identity record. It is not
// safe for concurrent use on its own; the execution environment serializes
// operations per identity and the store layer enforces that boundary.
type Store struct {
	entries map[Key]any
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[Key]any)}
}

// Exists reports whether key holds a value. Pure.
func (s *Store) Exists(key Key) bool {
	_, ok := s.entries[key]
	return ok
}

// Add inserts value under key. Fails with sentinel.ErrConflict when the key
// is already present; use Remove first to replace.
func (s *Store) Add(key Key, value any) error {
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("attached key %s: %w", key, sentinel.ErrConflict)
	}
	s.entries[key] = value
	return nil
}

// Remove deletes key and transfers ownership of the stored value to the
// caller, who is responsible for disposing of it. Fails with
// sentinel.ErrNotFound when absent.
func (s *Store) Remove(key Key) (any, error) {
	value, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("attached key %s: %w", key, sentinel.ErrNotFound)
	}
	delete(s.entries, key)
	return value, nil
}

// Len reports the number of stored values. Used by the persistence codec,
// never by subsystem logic (there is no enumeration contract).
func (s *Store) Len() int { return len(s.entries) }

// Range visits every key/value pair. Reserved for the persistence codec;
// subsystems must use their explicit indexes instead.
func (s *Store) Range(fn func(key Key, value any) bool) {
	for k, v := range s.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Borrow returns the value stored under key as *T. Subsystem entries are
// stored as pointers, so mutating through the result is the mutable borrow;
// callers that must not mutate copy what they read. Fails with
// sentinel.ErrNotFound when absent and sentinel.ErrInvalidState when the
// stored value is not a *T.
func Borrow[T any](s *Store, key Key) (*T, error) {
	value, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("attached key %s: %w", key, sentinel.ErrNotFound)
	}
	typed, ok := value.(*T)
	if !ok {
		return nil, fmt.Errorf("attached key %s holds %T: %w", key, value, sentinel.ErrInvalidState)
	}
	return typed, nil
}

// Take removes key and returns the owned value as *T, combining Remove with
// the typed cast.
func Take[T any](s *Store, key Key) (*T, error) {
	value, err := s.Remove(key)
	if err != nil {
		return nil, err
	}
	typed, ok := value.(*T)
	if !ok {
		// Restore: a type mismatch must not destroy the entry.
		s.entries[key] = value
		return nil, fmt.Errorf("attached key %s holds %T: %w", key, value, sentinel.ErrInvalidState)
	}
	return typed, nil
}
