// Package identity owns the per-user identity record, the root aggregate of
// the engine. Every permission, credential, and recovery operation enters
// through a record loaded here and dispatches into the attached store the
// record carries.
package identity

import (
	"idvault/internal/attached"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Record is the root per-user object.
//
// Invariants:
//   - Owner changes only through the external ownership-transfer mechanism
//     after a recovery completed with all gates satisfied
//   - Exactly one record exists per registered owner principal
//   - Attached values live and die with the record
//   - UpdatedAt never moves backwards (logical time is non-decreasing)
type Record struct {
	ID        id.IdentityID
	Owner     id.Principal
	Active    bool
	CreatedAt id.LogicalTime
	UpdatedAt id.LogicalTime
	Attached  *attached.Store
}

// NewRecord registers a fresh, active record for owner.
func NewRecord(owner id.Principal, now id.LogicalTime) *Record {
	return &Record{
		ID:        id.NewIdentityID(),
		Owner:     owner,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
		Attached:  attached.New(),
	}
}

// RequireOwner fails with Unauthorized unless caller is the owning principal.
func (r *Record) RequireOwner(caller id.Principal) error {
	if caller != r.Owner {
		return dErrors.New(dErrors.CodeUnauthorized, "caller is not the identity owner")
	}
	return nil
}

// RequireActive fails when the record is deactivated.
func (r *Record) RequireActive() error {
	if !r.Active {
		return dErrors.New(dErrors.CodeInvariantViolation, "identity is deactivated")
	}
	return nil
}

// Touch advances the audit timestamp. Logical time is non-decreasing by the
// environment's contract, so a smaller value is ignored rather than applied.
func (r *Record) Touch(now id.LogicalTime) {
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
}
