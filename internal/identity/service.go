package identity

import (
	"context"
	"errors"
	"time"

	"idvault/internal/event"
	"idvault/internal/platform/metrics"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

// Service owns the identity record lifecycle: registration, activation
// flips, and the ownership-transfer write path the external recovery
// mechanism calls into.
//
// The identity assertion verifier has already established, before Register
// is called, that the registering principal controls the external identity
// being bound; the engine trusts that input and does not re-verify it.
type Service struct {
	store   Store
	tx      TxRunner
	events  event.Emitter
	metrics *metrics.Metrics
}

func NewService(store Store, tx TxRunner, events event.Emitter, m *metrics.Metrics) *Service {
	return &Service{store: store, tx: tx, events: events, metrics: m}
}

// Info is the read model handed to callers; it never exposes the attached
// store.
type Info struct {
	ID        id.IdentityID
	Owner     id.Principal
	Active    bool
	CreatedAt id.LogicalTime
	UpdatedAt id.LogicalTime
}

func infoOf(rec *Record) Info {
	return Info{
		ID:        rec.ID,
		Owner:     rec.Owner,
		Active:    rec.Active,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// Register creates the single identity record for owner. Exactly one record
// exists per principal; a second registration fails with Conflict.
func (s *Service) Register(ctx context.Context, owner id.Principal, now id.LogicalTime) (info Info, err error) {
	defer s.instrument("register", time.Now(), &err)

	if _, perr := id.ParsePrincipal(owner.String()); perr != nil {
		return Info{}, perr
	}

	rec := NewRecord(owner, now)
	err = s.tx.RunInTx(ctx, rec.ID, func(store Store) error {
		if _, ferr := store.FindByOwner(ctx, owner); ferr == nil {
			return dErrors.New(dErrors.CodeConflict, "principal already has a registered identity")
		} else if !errors.Is(ferr, sentinel.ErrNotFound) {
			return dErrors.Wrap(ferr, dErrors.CodeInternal, "failed to check existing registration")
		}
		if cerr := store.Create(ctx, rec); cerr != nil {
			if errors.Is(cerr, sentinel.ErrConflict) {
				return dErrors.Wrap(cerr, dErrors.CodeConflict, "identity already exists")
			}
			return dErrors.Wrap(cerr, dErrors.CodeInternal, "failed to create identity record")
		}
		return nil
	})
	if err != nil {
		return Info{}, err
	}

	s.events.Emit(ctx, event.New(rec.ID, owner, event.SubsystemIdentity, event.ActionCreated, now, nil))
	return infoOf(rec), nil
}

// Deactivate flips the active flag off. The record survives; every
// subsystem operation that requires an active identity refuses until
// Reactivate.
func (s *Service) Deactivate(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) (err error) {
	defer s.instrument("deactivate", time.Now(), &err)

	err = Mutate(ctx, s.tx, identityID, func(rec *Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if !rec.Active {
			return dErrors.New(dErrors.CodeInvariantViolation, "identity is already deactivated")
		}
		rec.Active = false
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemIdentity, event.ActionDeactivated, now, nil))
	return nil
}

// Reactivate flips the active flag back on.
func (s *Service) Reactivate(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) (err error) {
	defer s.instrument("reactivate", time.Now(), &err)

	err = Mutate(ctx, s.tx, identityID, func(rec *Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if rec.Active {
			return dErrors.New(dErrors.CodeInvariantViolation, "identity is already active")
		}
		rec.Active = true
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemIdentity, event.ActionActivated, now, nil))
	return nil
}

// Get returns the identity read model.
func (s *Service) Get(ctx context.Context, identityID id.IdentityID) (Info, error) {
	var info Info
	err := View(ctx, s.tx, identityID, func(rec *Record) error {
		info = infoOf(rec)
		return nil
	})
	return info, err
}

// GetByOwner resolves the identity registered to a principal.
func (s *Service) GetByOwner(ctx context.Context, owner id.Principal) (Info, error) {
	rec, err := s.store.FindByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Info{}, dErrors.Wrap(err, dErrors.CodeNotFound, "no identity registered for principal")
		}
		return Info{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity record")
	}
	return infoOf(rec), nil
}

// ApplyOwnershipTransfer is the write path the external ownership-transfer
// mechanism invokes after a recovery completed. The engine validated the
// threshold, timelock, and window gates inside Complete; this call records
// the outcome. It is the only path that changes Owner.
func (s *Service) ApplyOwnershipTransfer(ctx context.Context, identityID id.IdentityID, newOwner id.Principal, now id.LogicalTime) (err error) {
	defer s.instrument("apply_ownership_transfer", time.Now(), &err)

	if _, perr := id.ParsePrincipal(newOwner.String()); perr != nil {
		return perr
	}

	var previous id.Principal
	err = Mutate(ctx, s.tx, identityID, func(rec *Record) error {
		previous = rec.Owner
		rec.Owner = newOwner
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, newOwner, event.SubsystemIdentity, event.ActionUpdated, now, map[string]string{
		"previous_owner": previous.String(),
		"new_owner":      newOwner.String(),
	}))
	return nil
}

func (s *Service) instrument(action string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = string(dErrors.CodeOf(*err))
	}
	s.metrics.RecordOperation(string(event.SubsystemIdentity), action, outcome)
	s.metrics.ObserveOperation(string(event.SubsystemIdentity), action, time.Since(start))
}
