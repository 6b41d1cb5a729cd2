// Package credential manages issuer-asserted verifiable credentials stored
// in the identity's attached store, keyed by (credential type, issuer).
// Issuers create and revoke; the identity owner may only delete.
package credential

import (
	"idvault/internal/attached"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Attached-store namespaces owned by this subsystem.
const (
	Namespace      = "credential"
	IndexNamespace = "credential_index"
)

// refKeySeparator joins credential type and issuer into one attached
// sub-key. 0x1f (unit separator) cannot appear in either component.
const refKeySeparator = "\x1f"

// Ref identifies one credential: the (type, issuer) pair.
type Ref struct {
	Type   id.CredentialType `json:"type"`
	Issuer id.Principal      `json:"issuer"`
}

// EntryKey addresses the credential for one (type, issuer) pair.
func EntryKey(ref Ref) attached.Key {
	return attached.Key{Namespace: Namespace, Sub: ref.Type.String() + refKeySeparator + ref.Issuer.String()}
}

// IndexKey addresses the credential registry list.
func IndexKey() attached.Key {
	return attached.Key{Namespace: IndexNamespace}
}

// Status is the credential lifecycle state. The only legal transition is
// active -> revoked; there is no un-revoke path.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// CanTransitionTo encodes the one-way revocation rule.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next == StatusRevoked
}

// Entry is one issued credential.
//
// Invariants:
//   - Status moves active -> revoked exactly once and never back
//   - Re-issuing under the same (type, issuer) destroys the old entry and
//     creates a fresh active one; it never resets the old entry's status
//   - The entry exists iff its ref is in the Registry
type Entry struct {
	Type       id.CredentialType `json:"type"`
	Issuer     id.Principal      `json:"issuer"`
	IssuerName string            `json:"issuer_name"`
	IssuedAt   id.LogicalTime    `json:"issued_at"`
	Expiration *id.LogicalTime   `json:"expiration,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Metadata   []byte            `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
}

// Ref returns the entry's registry key.
func (e *Entry) Ref() Ref {
	return Ref{Type: e.Type, Issuer: e.Issuer}
}

// Revoke flips the one-way flag. Fails when already revoked so no caller
// can observe a revoked credential turning active again.
func (e *Entry) Revoke() error {
	if !e.Status.CanTransitionTo(StatusRevoked) {
		return dErrors.New(dErrors.CodeInvariantViolation, "credential is already revoked")
	}
	e.Status = StatusRevoked
	return nil
}

// IsValid applies the full validity check: present, not revoked, not past
// expiration at now.
func (e *Entry) IsValid(now id.LogicalTime) bool {
	if e.Status == StatusRevoked {
		return false
	}
	if e.Expiration != nil && now.After(*e.Expiration) {
		return false
	}
	return true
}

// Registry is the derived list of credential refs present for an identity.
type Registry struct {
	Refs []Ref `json:"refs"`
}

func (r *Registry) Contains(ref Ref) bool {
	for _, existing := range r.Refs {
		if existing == ref {
			return true
		}
	}
	return false
}

func (r *Registry) Append(ref Ref) {
	if !r.Contains(ref) {
		r.Refs = append(r.Refs, ref)
	}
}

func (r *Registry) Remove(ref Ref) {
	for i, existing := range r.Refs {
		if existing == ref {
			r.Refs = append(r.Refs[:i], r.Refs[i+1:]...)
			return
		}
	}
}

// Snapshot copies the ref list for iteration during mutation.
func (r *Registry) Snapshot() []Ref {
	return append([]Ref{}, r.Refs...)
}
