package identity

import (
	"context"
	"errors"

	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

// Store persists identity records. Implementations return sentinel errors;
// services translate them into coded domain errors.
type Store interface {
	// Create inserts a new record. Fails with sentinel.ErrConflict when the
	// id or the owner principal is already registered.
	Create(ctx context.Context, rec *Record) error
	// Find loads a record by id. Fails with sentinel.ErrNotFound.
	Find(ctx context.Context, identityID id.IdentityID) (*Record, error)
	// FindByOwner loads the single record registered to owner.
	FindByOwner(ctx context.Context, owner id.Principal) (*Record, error)
	// Save writes back a record previously loaded from this store.
	Save(ctx context.Context, rec *Record) error
}

// TxRunner is the transactional boundary every operation runs inside. All
// reads and writes of one operation either commit together or not at all;
// operations on the same identity never interleave.
type TxRunner interface {
	RunInTx(ctx context.Context, identityID id.IdentityID, fn func(store Store) error) error
}

// Mutate loads the record inside a transaction, applies fn, and saves the
// result only when fn succeeds. This is the single write path every
// subsystem uses, which is what makes "any failed precondition aborts with
// zero partial mutation" hold for the persistent stores.
//
// fn must check every precondition before mutating the record: the memory
// store hands out the live record rather than a copy, so a closure that
// mutates first and fails later would leave the mutation visible there. All
// subsystem services follow this check-then-mutate shape.
func Mutate(ctx context.Context, txr TxRunner, identityID id.IdentityID, fn func(rec *Record) error) error {
	return txr.RunInTx(ctx, identityID, func(store Store) error {
		rec, err := store.Find(ctx, identityID)
		if err != nil {
			return translateFind(err)
		}
		if err := fn(rec); err != nil {
			return err
		}
		if err := store.Save(ctx, rec); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save identity record")
		}
		return nil
	})
}

// View loads the record inside the transaction boundary and applies a
// read-only fn. Nothing is written back.
func View(ctx context.Context, txr TxRunner, identityID id.IdentityID, fn func(rec *Record) error) error {
	return txr.RunInTx(ctx, identityID, func(store Store) error {
		rec, err := store.Find(ctx, identityID)
		if err != nil {
			return translateFind(err)
		}
		return fn(rec)
	})
}

func translateFind(err error) error {
	if err == nil {
		return nil
	}
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "identity not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity record")
}
