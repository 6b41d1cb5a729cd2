package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the attached store
// return these (optionally wrapped) so services can translate them into
// coded domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: key or record does not exist in the store
// - ErrConflict: key or record already present where uniqueness is required
// - ErrExpired: window or entry has passed its expiration
// - ErrInvalidState: value present but not in the shape the caller expects
// - ErrUnavailable: backing store temporarily unreachable
//
// For validation errors (bad input, bound violations), use
// pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
