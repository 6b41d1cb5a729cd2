// Package event carries the structured notifications the engine hands to the
// surrounding environment. Delivery and persistence are explicitly out of the
// engine's scope: emission is best-effort and never fails an operation.
package event

import (
	"time"

	"github.com/google/uuid"

	id "idvault/pkg/domain"
)

// Subsystem tags which part of the engine produced an event.
type Subsystem string

const (
	SubsystemIdentity   Subsystem = "identity"
	SubsystemPermission Subsystem = "permission"
	SubsystemCredential Subsystem = "credential"
	SubsystemRecovery   Subsystem = "recovery"
)

// Action is the event verb. The set is closed per subsystem.
type Action string

const (
	ActionCreated     Action = "created"
	ActionUpdated     Action = "updated"
	ActionActivated   Action = "activated"
	ActionDeactivated Action = "deactivated"

	ActionGranted Action = "granted"
	ActionRevoked Action = "revoked"

	ActionIssued  Action = "issued"
	ActionDeleted Action = "deleted"

	ActionConfigSet       Action = "config_set"
	ActionGuardianAdded   Action = "guardian_added"
	ActionGuardianRemoved Action = "guardian_removed"
	ActionInitiated       Action = "initiated"
	ActionApproved        Action = "approved"
	ActionCompleted       Action = "completed"
	ActionCancelled       Action = "cancelled"
)

// Event is emitted from domain logic to capture key transitions. Timestamp is
// wall clock and strictly informational; invariants are enforced on logical
// time, which is echoed in LogicalTime for correlation.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	IdentityID  id.IdentityID     `json:"identity_id"`
	Actor       id.Principal      `json:"actor"`
	Subsystem   Subsystem         `json:"subsystem"`
	Action      Action            `json:"action"`
	LogicalTime id.LogicalTime    `json:"logical_time"`
	Detail      map[string]string `json:"detail,omitempty"`
}

// New builds an event with a fresh id and wall-clock timestamp.
func New(identityID id.IdentityID, actor id.Principal, subsystem Subsystem, action Action, now id.LogicalTime, detail map[string]string) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		IdentityID:  identityID,
		Actor:       actor,
		Subsystem:   subsystem,
		Action:      action,
		LogicalTime: now,
		Detail:      detail,
	}
}
