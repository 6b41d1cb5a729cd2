// Package memory provides the in-memory identity store and its transaction
// runner. It keeps the engine testable without external infrastructure and
// is the default store when neither Redis nor Postgres is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"idvault/internal/identity"
	id "idvault/pkg/domain"
	"idvault/pkg/platform/sentinel"
)

// Store keeps records in maps guarded by a RWMutex. Records are shared by
// pointer; the TxRunner below serializes all access per identity, matching
// the execution environment's contract that operations on one identity never
// interleave.
type Store struct {
	mu      sync.RWMutex
	byID    map[id.IdentityID]*identity.Record
	byOwner map[id.Principal]id.IdentityID
}

func NewStore() *Store {
	return &Store{
		byID:    make(map[id.IdentityID]*identity.Record),
		byOwner: make(map[id.Principal]id.IdentityID),
	}
}

func (s *Store) Create(_ context.Context, rec *identity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("identity %s: %w", rec.ID, sentinel.ErrConflict)
	}
	if _, ok := s.byOwner[rec.Owner]; ok {
		return fmt.Errorf("owner %s already registered: %w", rec.Owner, sentinel.ErrConflict)
	}
	s.byID[rec.ID] = rec
	s.byOwner[rec.Owner] = rec.ID
	return nil
}

// Find returns the live record, not a copy. Atomicity therefore rests on the
// mutation discipline stated on identity.Mutate: closures check every
// precondition before touching the record. The redis and postgres stores get
// a copy for free from their codecs.
func (s *Store) Find(_ context.Context, identityID id.IdentityID) (*identity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.byID[identityID]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("identity %s: %w", identityID, sentinel.ErrNotFound)
}

func (s *Store) FindByOwner(_ context.Context, owner id.Principal) (*identity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if identityID, ok := s.byOwner[owner]; ok {
		return s.byID[identityID], nil
	}
	return nil, fmt.Errorf("owner %s: %w", owner, sentinel.ErrNotFound)
}

// Save re-indexes the owner mapping. The record itself is shared by pointer,
// so field mutations are already visible; what Save maintains is the
// owner -> id index across ownership transfer.
func (s *Store) Save(_ context.Context, rec *identity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; !ok {
		return fmt.Errorf("identity %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	for owner, identityID := range s.byOwner {
		if identityID == rec.ID && owner != rec.Owner {
			delete(s.byOwner, owner)
		}
	}
	s.byOwner[rec.Owner] = rec.ID
	return nil
}
