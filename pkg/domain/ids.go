// Package domain holds the identifier and time types shared by every
// subsystem. IDs are distinct types so the compiler rejects cross-assignment
// at trust boundaries.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "idvault/pkg/domain-errors"
)

// Principal is the authenticated caller identity supplied per call by the
// execution environment. The engine treats it as opaque and unforgeable.
type Principal string

// ParsePrincipal rejects empty or whitespace-only principals. The engine
// never mints principals itself.
func ParsePrincipal(raw string) (Principal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", dErrors.New(dErrors.CodeValidation, "principal must not be empty")
	}
	return Principal(trimmed), nil
}

func (p Principal) String() string { return string(p) }

// IdentityID names one identity record. It is assigned at registration and
// stable across ownership recovery.
type IdentityID uuid.UUID

// NewIdentityID mints a fresh identity id.
func NewIdentityID() IdentityID { return IdentityID(uuid.New()) }

// ParseIdentityID validates the string form of an identity id.
func ParseIdentityID(raw string) (IdentityID, error) {
	if raw == "" {
		return IdentityID{}, dErrors.New(dErrors.CodeValidation, "identity id must not be empty")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return IdentityID{}, dErrors.Wrap(err, dErrors.CodeValidation, "identity id must be a valid UUID")
	}
	if parsed == uuid.Nil {
		return IdentityID{}, dErrors.New(dErrors.CodeValidation, "identity id must not be the nil UUID")
	}
	return IdentityID(parsed), nil
}

func (id IdentityID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the id is unset.
func (id IdentityID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// AppID names an application holding a permission grant.
type AppID string

func (a AppID) String() string { return string(a) }

// CredentialType names a credential domain, e.g. "age_over_18" or
// "residency". Issuer capabilities authorize per credential type.
type CredentialType string

func (c CredentialType) String() string { return string(c) }

// Scope is a named permission unit granted to an application.
type Scope string

func (s Scope) String() string { return string(s) }
