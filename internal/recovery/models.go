// Package recovery implements guardian-based social recovery of identity
// ownership: a guardian configuration plus at most one in-flight recovery
// request per identity, gated by threshold consensus and a timelock.
package recovery

import (
	"idvault/internal/attached"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Attached-store namespaces owned by this subsystem. Each holds at most one
// value per identity, so the sub-key is empty.
const (
	ConfigNamespace  = "recovery_config"
	RequestNamespace = "recovery_request"
)

func ConfigKey() attached.Key  { return attached.Key{Namespace: ConfigNamespace} }
func RequestKey() attached.Key { return attached.Key{Namespace: RequestNamespace} }

// State of the recovery machine, derived from request existence. Completed
// and cancelled requests are removed, not retained, so both terminal
// outcomes return the machine to StateNoRequest.
type State string

const (
	StateNoRequest      State = "no_request"
	StateRequestPending State = "request_pending"
)

// Config is the guardian configuration.
//
// Invariants:
//   - 0 < Threshold <= len(Guardians) at configuration and threshold update
//   - Guardian membership is order-insensitive; the slice only fixes
//     enumeration order
//   - Removing a guardian clamps Threshold down to the remaining count when
//     that count is still positive
//
// The guardian list here is authoritative for "is a guardian". A
// GuardianCapability is additionally required at approval time; a capability
// whose holder is no longer listed is inert.
type Config struct {
	Guardians []id.Principal     `json:"guardians"`
	Threshold int                `json:"threshold"`
	Timelock  id.LogicalDuration `json:"timelock"`
	Emergency *id.Principal      `json:"emergency,omitempty"`
}

// Validate checks the threshold bound.
func (c *Config) Validate() error {
	if len(c.Guardians) == 0 {
		return dErrors.New(dErrors.CodeValidation, "guardian list must not be empty")
	}
	if c.Threshold <= 0 || c.Threshold > len(c.Guardians) {
		return dErrors.New(dErrors.CodeValidation, "threshold must be in (0, guardian count]")
	}
	if hasDuplicatePrincipal(c.Guardians) {
		return dErrors.New(dErrors.CodeValidation, "guardian list must not contain duplicates")
	}
	return nil
}

func hasDuplicatePrincipal(list []id.Principal) bool {
	seen := make(map[id.Principal]struct{}, len(list))
	for _, p := range list {
		if _, ok := seen[p]; ok {
			return true
		}
		seen[p] = struct{}{}
	}
	return false
}

// HasGuardian reports list membership.
func (c *Config) HasGuardian(p id.Principal) bool {
	for _, g := range c.Guardians {
		if g == p {
			return true
		}
	}
	return false
}

// IsEmergency reports whether p is the configured emergency principal.
func (c *Config) IsEmergency(p id.Principal) bool {
	return c.Emergency != nil && *c.Emergency == p
}

// AddGuardian fails with Conflict when already listed.
func (c *Config) AddGuardian(p id.Principal) error {
	if c.HasGuardian(p) {
		return dErrors.New(dErrors.CodeConflict, "guardian is already listed")
	}
	c.Guardians = append(c.Guardians, p)
	return nil
}

// RemoveGuardian fails with NotFound when absent. When the removal leaves
// the threshold above the remaining count, the threshold clamps down to that
// count. Clamping only applies while the count is positive, so an emptied
// list keeps its last threshold rather than degenerating to zero.
func (c *Config) RemoveGuardian(p id.Principal) error {
	for i, g := range c.Guardians {
		if g == p {
			c.Guardians = append(c.Guardians[:i], c.Guardians[i+1:]...)
			if remaining := len(c.Guardians); remaining > 0 && c.Threshold > remaining {
				c.Threshold = remaining
			}
			return nil
		}
	}
	return dErrors.New(dErrors.CodeNotFound, "guardian is not listed")
}

// Request is the single in-flight recovery request.
type Request struct {
	NewOwner    id.Principal   `json:"new_owner"`
	Initiator   id.Principal   `json:"initiator"`
	Approvals   []id.Principal `json:"approvals"`
	InitiatedAt id.LogicalTime `json:"initiated_at"`
	ExpiresAt   id.LogicalTime `json:"expires_at"`
}

// NewRequest starts a request with the initiator's approval counted.
func NewRequest(newOwner, initiator id.Principal, now id.LogicalTime, validity id.LogicalDuration) *Request {
	return &Request{
		NewOwner:    newOwner,
		Initiator:   initiator,
		Approvals:   []id.Principal{initiator},
		InitiatedAt: now,
		ExpiresAt:   now.Add(validity),
	}
}

// HasApproval reports whether p already approved.
func (r *Request) HasApproval(p id.Principal) bool {
	for _, a := range r.Approvals {
		if a == p {
			return true
		}
	}
	return false
}

// Approve records p's approval. Idempotent: a duplicate approval neither
// errors nor inflates the count.
func (r *Request) Approve(p id.Principal) {
	if !r.HasApproval(p) {
		r.Approvals = append(r.Approvals, p)
	}
}

// IsWindowExpired reports whether the validity window has passed at now.
func (r *Request) IsWindowExpired(now id.LogicalTime) bool {
	return now.After(r.ExpiresAt)
}

// Outcome is what Complete hands to the external ownership-transfer
// mechanism. The engine validates and reports; it does not move ownership
// itself.
type Outcome struct {
	IdentityID  id.IdentityID
	NewOwner    id.Principal
	Approvals   []id.Principal
	InitiatedAt id.LogicalTime
	CompletedAt id.LogicalTime
}
