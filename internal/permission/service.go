package permission

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idvault/internal/attached"
	"idvault/internal/event"
	"idvault/internal/identity"
	"idvault/internal/platform/metrics"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
	pkgstrings "idvault/pkg/platform/strings"
)

// Service implements the permission subsystem. Every mutation runs inside
// the identity transaction boundary: owner check, entry/index update, save.
type Service struct {
	tx      identity.TxRunner
	events  event.Emitter
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(tx identity.TxRunner, events event.Emitter, m *metrics.Metrics) *Service {
	return &Service{
		tx:      tx,
		events:  events,
		metrics: m,
		tracer:  otel.Tracer("idvault/permission"),
	}
}

// GrantRequest carries the grant parameters. Scopes are deduped and trimmed
// before storage.
type GrantRequest struct {
	AppID      id.AppID
	AppName    string
	Scopes     []string
	Expiration *id.LogicalTime
	AppURL     string
	AppIconURL string
}

// Grant creates or replaces the entry for req.AppID. Re-granting replaces
// scopes, expiration, and metadata in place and emits Updated; a first grant
// appends the app id to the index and emits Granted.
func (s *Service) Grant(ctx context.Context, caller id.Principal, identityID id.IdentityID, req GrantRequest, now id.LogicalTime) (err error) {
	defer s.instrument("grant", time.Now(), &err)
	ctx, span := s.tracer.Start(ctx, "permission.Grant",
		trace.WithAttributes(attribute.String("app_id", req.AppID.String())))
	defer span.End()

	if req.AppID == "" {
		return dErrors.New(dErrors.CodeValidation, "app id must not be empty")
	}
	scopes := pkgstrings.DedupeAndTrim(req.Scopes)

	action := event.ActionGranted
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if aerr := rec.RequireActive(); aerr != nil {
			return aerr
		}

		if entry, berr := attached.Borrow[Entry](rec.Attached, EntryKey(req.AppID)); berr == nil {
			// Replace in place: update, not duplicate.
			entry.AppName = req.AppName
			entry.Scopes = scopes
			entry.Expiration = req.Expiration
			entry.AppURL = req.AppURL
			entry.AppIconURL = req.AppIconURL
			action = event.ActionUpdated
			rec.Touch(now)
			return nil
		} else if !errors.Is(berr, sentinel.ErrNotFound) {
			return dErrors.Wrap(berr, dErrors.CodeInternal, "failed to read permission entry")
		}

		index, ierr := ensureIndex(rec.Attached)
		if ierr != nil {
			return ierr
		}
		entry := &Entry{
			AppID:      req.AppID,
			AppName:    req.AppName,
			Scopes:     scopes,
			Expiration: req.Expiration,
			GrantedAt:  now,
			AppURL:     req.AppURL,
			AppIconURL: req.AppIconURL,
		}
		if aerr := rec.Attached.Add(EntryKey(req.AppID), entry); aerr != nil {
			return dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to store permission entry")
		}
		index.Append(req.AppID)
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemPermission, action, now, map[string]string{
		"app_id": req.AppID.String(),
	}))
	return nil
}

// Revoke removes the entry and its index slot. Absent entries are a no-op,
// not an error; nothing is emitted in that case.
func (s *Service) Revoke(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, now id.LogicalTime) (err error) {
	defer s.instrument("revoke", time.Now(), &err)

	removed := false
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		var rerr error
		removed, rerr = removeEntry(rec, appID, now)
		return rerr
	})
	if err != nil || !removed {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemPermission, event.ActionRevoked, now, map[string]string{
		"app_id": appID.String(),
	}))
	return nil
}

// removeEntry deletes the entry and keeps the index in lockstep. Reports
// whether anything existed. The removed entry owns no nested resources, so
// disposal is dropping the reference.
func removeEntry(rec *identity.Record, appID id.AppID, now id.LogicalTime) (bool, error) {
	if !rec.Attached.Exists(EntryKey(appID)) {
		return false, nil
	}
	if _, rerr := attached.Take[Entry](rec.Attached, EntryKey(appID)); rerr != nil {
		return false, dErrors.Wrap(rerr, dErrors.CodeInternal, "failed to remove permission entry")
	}
	index, ierr := ensureIndex(rec.Attached)
	if ierr != nil {
		return false, ierr
	}
	index.Remove(appID)
	rec.Touch(now)
	return true, nil
}

// AddScope grants one more scope to an existing entry. Idempotent.
func (s *Service) AddScope(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) (err error) {
	defer s.instrument("add_scope", time.Now(), &err)

	return s.mutateEntry(ctx, caller, identityID, appID, now, func(entry *Entry) error {
		trimmed := pkgstrings.DedupeAndTrim([]string{scope})
		if len(trimmed) == 0 {
			return dErrors.New(dErrors.CodeValidation, "scope must not be empty")
		}
		entry.AddScope(trimmed[0])
		return nil
	})
}

// RemoveScope withdraws one scope; fails when the scope is not granted.
func (s *Service) RemoveScope(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) (err error) {
	defer s.instrument("remove_scope", time.Now(), &err)

	return s.mutateEntry(ctx, caller, identityID, appID, now, func(entry *Entry) error {
		return entry.RemoveScope(scope)
	})
}

// UpdateExpiration replaces the entry's expiration. Requires an active
// identity, unlike the scope edits.
func (s *Service) UpdateExpiration(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, expiration *id.LogicalTime, now id.LogicalTime) (err error) {
	defer s.instrument("update_expiration", time.Now(), &err)

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if aerr := rec.RequireActive(); aerr != nil {
			return aerr
		}
		entry, berr := borrowEntry(rec, appID)
		if berr != nil {
			return berr
		}
		entry.Expiration = expiration
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemPermission, event.ActionUpdated, now, map[string]string{
		"app_id": appID.String(),
	}))
	return nil
}

func (s *Service) mutateEntry(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, now id.LogicalTime, fn func(entry *Entry) error) error {
	err := identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		entry, berr := borrowEntry(rec, appID)
		if berr != nil {
			return berr
		}
		if ferr := fn(entry); ferr != nil {
			return ferr
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemPermission, event.ActionUpdated, now, map[string]string{
		"app_id": appID.String(),
	}))
	return nil
}

// HasPermission reports whether appID currently holds scope. Expiry is a
// view, not a deletion: an expired entry still exists but answers false.
func (s *Service) HasPermission(ctx context.Context, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) (bool, error) {
	granted := false
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := attached.Borrow[Entry](rec.Attached, EntryKey(appID))
		if berr != nil {
			if errors.Is(berr, sentinel.ErrNotFound) {
				return nil
			}
			return dErrors.Wrap(berr, dErrors.CodeInternal, "failed to read permission entry")
		}
		granted = !entry.IsExpired(now) && entry.HasScope(scope)
		return nil
	})
	return granted, err
}

// HasAnyPermission reports whether appID holds any unexpired grant.
func (s *Service) HasAnyPermission(ctx context.Context, identityID id.IdentityID, appID id.AppID, now id.LogicalTime) (bool, error) {
	granted := false
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := attached.Borrow[Entry](rec.Attached, EntryKey(appID))
		if berr != nil {
			if errors.Is(berr, sentinel.ErrNotFound) {
				return nil
			}
			return dErrors.Wrap(berr, dErrors.CodeInternal, "failed to read permission entry")
		}
		granted = !entry.IsExpired(now) && len(entry.Scopes) > 0
		return nil
	})
	return granted, err
}

// GetScopes returns the scope list for appID; NotFound when no grant exists.
func (s *Service) GetScopes(ctx context.Context, identityID id.IdentityID, appID id.AppID) ([]string, error) {
	var scopes []string
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := borrowEntry(rec, appID)
		if berr != nil {
			return berr
		}
		scopes = append([]string{}, entry.Scopes...)
		return nil
	})
	return scopes, err
}

// GetPermissionInfo returns a copy of the full entry.
func (s *Service) GetPermissionInfo(ctx context.Context, identityID id.IdentityID, appID id.AppID) (Entry, error) {
	var out Entry
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := borrowEntry(rec, appID)
		if berr != nil {
			return berr
		}
		out = copyEntry(entry)
		return nil
	})
	return out, err
}

// GetAllAppIDs lists every app id with a live entry, in grant order.
func (s *Service) GetAllAppIDs(ctx context.Context, identityID id.IdentityID) ([]id.AppID, error) {
	var out []id.AppID
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		index, ierr := borrowIndex(rec.Attached)
		if ierr != nil {
			return ierr
		}
		if index != nil {
			out = index.Snapshot()
		}
		return nil
	})
	return out, err
}

// GetAllPermissions returns copies of every entry, in grant order.
func (s *Service) GetAllPermissions(ctx context.Context, identityID id.IdentityID) ([]Entry, error) {
	var out []Entry
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		return s.eachEntry(rec, func(entry *Entry) {
			out = append(out, copyEntry(entry))
		})
	})
	return out, err
}

// GetPermissionsByStatus partitions entries into active and expired as of
// now. Expired entries are reported, not removed.
func (s *Service) GetPermissionsByStatus(ctx context.Context, identityID id.IdentityID, now id.LogicalTime) (active, expired []Entry, err error) {
	err = identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		return s.eachEntry(rec, func(entry *Entry) {
			if entry.IsExpired(now) {
				expired = append(expired, copyEntry(entry))
			} else {
				active = append(active, copyEntry(entry))
			}
		})
	})
	return active, expired, err
}

// ClearAllPermissions revokes every grant in one atomic operation.
func (s *Service) ClearAllPermissions(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error {
	return s.clear(ctx, caller, identityID, now, func(*Entry) bool { return true }, "clear_all")
}

// ClearExpiredPermissions revokes only entries whose expiration has passed.
func (s *Service) ClearExpiredPermissions(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error {
	return s.clear(ctx, caller, identityID, now, func(e *Entry) bool { return e.IsExpired(now) }, "clear_expired")
}

func (s *Service) clear(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime, match func(*Entry) bool, action string) (err error) {
	defer s.instrument(action, time.Now(), &err)

	var cleared []id.AppID
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		index, ierr := borrowIndex(rec.Attached)
		if ierr != nil || index == nil {
			return ierr
		}
		// Snapshot before mutating: never iterate a structure being edited.
		for _, appID := range index.Snapshot() {
			entry, berr := borrowEntry(rec, appID)
			if berr != nil {
				return berr
			}
			if !match(entry) {
				continue
			}
			if _, rerr := removeEntry(rec, appID, now); rerr != nil {
				return rerr
			}
			cleared = append(cleared, appID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, appID := range cleared {
		s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemPermission, event.ActionRevoked, now, map[string]string{
			"app_id": appID.String(),
		}))
	}
	return nil
}

func (s *Service) eachEntry(rec *identity.Record, visit func(*Entry)) error {
	index, ierr := borrowIndex(rec.Attached)
	if ierr != nil || index == nil {
		return ierr
	}
	for _, appID := range index.AppIDs {
		entry, berr := borrowEntry(rec, appID)
		if berr != nil {
			return berr
		}
		visit(entry)
	}
	return nil
}

func borrowEntry(rec *identity.Record, appID id.AppID) (*Entry, error) {
	entry, err := attached.Borrow[Entry](rec.Attached, EntryKey(appID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no permission entry for app")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read permission entry")
	}
	return entry, nil
}

// borrowIndex returns the index or nil when no grant was ever made.
func borrowIndex(store *attached.Store) (*AppIndex, error) {
	index, err := attached.Borrow[AppIndex](store, IndexKey())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read permission index")
	}
	return index, nil
}

// ensureIndex creates the index on first use.
func ensureIndex(store *attached.Store) (*AppIndex, error) {
	index, err := borrowIndex(store)
	if err != nil {
		return nil, err
	}
	if index != nil {
		return index, nil
	}
	index = &AppIndex{}
	if aerr := store.Add(IndexKey(), index); aerr != nil {
		return nil, dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to create permission index")
	}
	return index, nil
}

func copyEntry(entry *Entry) Entry {
	out := *entry
	out.Scopes = append([]string{}, entry.Scopes...)
	if entry.Expiration != nil {
		exp := *entry.Expiration
		out.Expiration = &exp
	}
	return out
}

func (s *Service) instrument(action string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = string(dErrors.CodeOf(*err))
	}
	s.metrics.RecordOperation(string(event.SubsystemPermission), action, outcome)
	s.metrics.ObserveOperation(string(event.SubsystemPermission), action, time.Since(start))
}
