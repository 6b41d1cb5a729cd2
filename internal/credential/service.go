package credential

import (
	"context"
	"errors"
	"time"

	"idvault/internal/attached"
	"idvault/internal/capability"
	"idvault/internal/event"
	"idvault/internal/identity"
	"idvault/internal/platform/metrics"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

// Service implements the credential subsystem. Creation and revocation are
// gated on the issuer capability; physical deletion is gated on the identity
// owner.
type Service struct {
	tx      identity.TxRunner
	events  event.Emitter
	metrics *metrics.Metrics
}

func NewService(tx identity.TxRunner, events event.Emitter, m *metrics.Metrics) *Service {
	return &Service{tx: tx, events: events, metrics: m}
}

// IssueRequest carries the issuance parameters. Data and Metadata are opaque
// to the engine.
type IssueRequest struct {
	Type       id.CredentialType
	Data       []byte
	Metadata   []byte
	Expiration *id.LogicalTime
}

// Issue creates or replaces the credential for (req.Type, issuerCap
// principal). The capability's domain list must cover the type; the identity
// must be active. Re-issuing destroys the prior entry and stores a fresh
// active one.
func (s *Service) Issue(ctx context.Context, issuerCap capability.Issuer, identityID id.IdentityID, req IssueRequest, now id.LogicalTime) (err error) {
	defer s.instrument("issue", time.Now(), &err)

	if req.Type == "" {
		return dErrors.New(dErrors.CodeValidation, "credential type must not be empty")
	}
	if !issuerCap.AllowsDomain(req.Type) {
		return dErrors.New(dErrors.CodeUnauthorized, "issuer capability does not cover credential type")
	}

	ref := Ref{Type: req.Type, Issuer: issuerCap.IssuerPrincipal}
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if aerr := rec.RequireActive(); aerr != nil {
			return aerr
		}

		if rec.Attached.Exists(EntryKey(ref)) {
			// Destroy and replace; the registry already holds the ref.
			if _, rerr := attached.Take[Entry](rec.Attached, EntryKey(ref)); rerr != nil {
				return dErrors.Wrap(rerr, dErrors.CodeInternal, "failed to replace credential entry")
			}
		} else {
			registry, ierr := ensureRegistry(rec.Attached)
			if ierr != nil {
				return ierr
			}
			registry.Append(ref)
		}

		entry := &Entry{
			Type:       req.Type,
			Issuer:     issuerCap.IssuerPrincipal,
			IssuerName: issuerCap.IssuerName,
			IssuedAt:   now,
			Expiration: req.Expiration,
			Data:       req.Data,
			Metadata:   req.Metadata,
			Status:     StatusActive,
		}
		if aerr := rec.Attached.Add(EntryKey(ref), entry); aerr != nil {
			return dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to store credential entry")
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, issuerCap.IssuerPrincipal, event.SubsystemCredential, event.ActionIssued, now, map[string]string{
		"credential_type": req.Type.String(),
	}))
	return nil
}

// Revoke flips the one-way revoked flag on the issuer's own credential.
// Distinct from Delete: revocation is issuer-asserted invalidity and leaves
// the entry in place.
func (s *Service) Revoke(ctx context.Context, issuerCap capability.Issuer, identityID id.IdentityID, credentialType id.CredentialType, now id.LogicalTime) (err error) {
	defer s.instrument("revoke", time.Now(), &err)

	ref := Ref{Type: credentialType, Issuer: issuerCap.IssuerPrincipal}
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := borrowEntry(rec, ref)
		if berr != nil {
			return berr
		}
		if entry.Issuer != issuerCap.IssuerPrincipal {
			return dErrors.New(dErrors.CodeUnauthorized, "credential was issued by a different principal")
		}
		if rerr := entry.Revoke(); rerr != nil {
			return rerr
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, issuerCap.IssuerPrincipal, event.SubsystemCredential, event.ActionRevoked, now, map[string]string{
		"credential_type": credentialType.String(),
	}))
	return nil
}

// Delete physically removes the entry and its registry ref. Owner-only
// housekeeping; a revoked entry may be deleted too.
func (s *Service) Delete(ctx context.Context, caller id.Principal, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, now id.LogicalTime) (err error) {
	defer s.instrument("delete", time.Now(), &err)

	ref := Ref{Type: credentialType, Issuer: issuer}
	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if !rec.Attached.Exists(EntryKey(ref)) {
			return dErrors.New(dErrors.CodeNotFound, "no credential for type and issuer")
		}
		if _, rerr := attached.Take[Entry](rec.Attached, EntryKey(ref)); rerr != nil {
			return dErrors.Wrap(rerr, dErrors.CodeInternal, "failed to remove credential entry")
		}
		registry, ierr := borrowRegistry(rec.Attached)
		if ierr != nil {
			return ierr
		}
		if registry != nil {
			registry.Remove(ref)
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemCredential, event.ActionDeleted, now, map[string]string{
		"credential_type": credentialType.String(),
		"issuer":          issuer.String(),
	}))
	return nil
}

// HasValidCredential reports present ∧ not revoked ∧ not expired at now.
func (s *Service) HasValidCredential(ctx context.Context, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, now id.LogicalTime) (bool, error) {
	valid := false
	ref := Ref{Type: credentialType, Issuer: issuer}
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := attached.Borrow[Entry](rec.Attached, EntryKey(ref))
		if berr != nil {
			if errors.Is(berr, sentinel.ErrNotFound) {
				return nil
			}
			return dErrors.Wrap(berr, dErrors.CodeInternal, "failed to read credential entry")
		}
		valid = entry.IsValid(now)
		return nil
	})
	return valid, err
}

// GetCredentialData returns the opaque payload when caller is the identity
// owner or the issuing principal. Anyone else gets a nil payload and no
// error: "no access" is a null result, not a failure.
func (s *Service) GetCredentialData(ctx context.Context, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, caller id.Principal) ([]byte, error) {
	var data []byte
	ref := Ref{Type: credentialType, Issuer: issuer}
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		entry, berr := borrowEntry(rec, ref)
		if berr != nil {
			return berr
		}
		if caller != rec.Owner && caller != entry.Issuer {
			return nil
		}
		data = append([]byte{}, entry.Data...)
		return nil
	})
	return data, err
}

// GetAllCredentialRefs lists every (type, issuer) pair present.
func (s *Service) GetAllCredentialRefs(ctx context.Context, identityID id.IdentityID) ([]Ref, error) {
	var out []Ref
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		registry, ierr := borrowRegistry(rec.Attached)
		if ierr != nil {
			return ierr
		}
		if registry != nil {
			out = registry.Snapshot()
		}
		return nil
	})
	return out, err
}

// GetAllCredentials returns copies of every entry, in issuance order.
func (s *Service) GetAllCredentials(ctx context.Context, identityID id.IdentityID) ([]Entry, error) {
	var out []Entry
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		return eachEntry(rec, func(entry *Entry) {
			out = append(out, copyEntry(entry))
		})
	})
	return out, err
}

// GetCredentialsByIssuer filters the registry for one issuer.
func (s *Service) GetCredentialsByIssuer(ctx context.Context, identityID id.IdentityID, issuer id.Principal) ([]Entry, error) {
	var out []Entry
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		return eachEntry(rec, func(entry *Entry) {
			if entry.Issuer == issuer {
				out = append(out, copyEntry(entry))
			}
		})
	})
	return out, err
}

// CountValid counts entries passing the full validity check at now.
func (s *Service) CountValid(ctx context.Context, identityID id.IdentityID, now id.LogicalTime) (int, error) {
	count := 0
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		return eachEntry(rec, func(entry *Entry) {
			if entry.IsValid(now) {
				count++
			}
		})
	})
	return count, err
}

func eachEntry(rec *identity.Record, visit func(*Entry)) error {
	registry, ierr := borrowRegistry(rec.Attached)
	if ierr != nil || registry == nil {
		return ierr
	}
	for _, ref := range registry.Refs {
		entry, berr := borrowEntry(rec, ref)
		if berr != nil {
			return berr
		}
		visit(entry)
	}
	return nil
}

func borrowEntry(rec *identity.Record, ref Ref) (*Entry, error) {
	entry, err := attached.Borrow[Entry](rec.Attached, EntryKey(ref))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no credential for type and issuer")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read credential entry")
	}
	return entry, nil
}

func borrowRegistry(store *attached.Store) (*Registry, error) {
	registry, err := attached.Borrow[Registry](store, IndexKey())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read credential registry")
	}
	return registry, nil
}

func ensureRegistry(store *attached.Store) (*Registry, error) {
	registry, err := borrowRegistry(store)
	if err != nil {
		return nil, err
	}
	if registry != nil {
		return registry, nil
	}
	registry = &Registry{}
	if aerr := store.Add(IndexKey(), registry); aerr != nil {
		return nil, dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to create credential registry")
	}
	return registry, nil
}

func copyEntry(entry *Entry) Entry {
	out := *entry
	out.Data = append([]byte{}, entry.Data...)
	out.Metadata = append([]byte{}, entry.Metadata...)
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
	s.metrics.RecordOperation(string(event.SubsystemCredential), action, outcome)
	s.metrics.ObserveOperation(string(event.SubsystemCredential), action, time.Since(start))
}
