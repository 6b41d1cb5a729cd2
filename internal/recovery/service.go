package recovery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"idvault/internal/attached"
	"idvault/internal/capability"
	"idvault/internal/event"
	"idvault/internal/identity"
	"idvault/internal/platform/metrics"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

// GuardianMinter packages guardian capabilities for delivery. The engine
// only decides that a capability should exist; the environment transfers the
// minted token to the guardian's principal.
type GuardianMinter interface {
	MintGuardian(cap capability.Guardian) (string, error)
}

// Service implements the recovery state machine. Consensus (threshold) and
// delay (timelock) are independent gates checked only at completion, and the
// owner's unconditional cancel is the safety valve against malicious or
// erroneous initiation.
type Service struct {
	tx      identity.TxRunner
	events  event.Emitter
	minter  GuardianMinter
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(tx identity.TxRunner, events event.Emitter, minter GuardianMinter, m *metrics.Metrics) *Service {
	return &Service{
		tx:      tx,
		events:  events,
		minter:  minter,
		metrics: m,
		tracer:  otel.Tracer("idvault/recovery"),
	}
}

// Configure replaces the guardian configuration wholesale and mints a
// capability per listed guardian. The returned map (guardian -> token) goes
// back to the environment for delivery.
func (s *Service) Configure(ctx context.Context, caller id.Principal, identityID id.IdentityID, cfg Config, now id.LogicalTime) (tokens map[id.Principal]string, err error) {
	defer s.instrument("configure", time.Now(), &err)

	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}

	// Mint before committing so a facility failure cannot leave a config
	// whose guardians hold no tokens.
	tokens = make(map[id.Principal]string, len(cfg.Guardians))
	for _, g := range cfg.Guardians {
		token, merr := s.minter.MintGuardian(capability.Guardian{IdentityID: identityID, Guardian: g})
		if merr != nil {
			return nil, dErrors.Wrap(merr, dErrors.CodeInternal, "failed to mint guardian capability")
		}
		tokens[g] = token
	}

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if aerr := rec.RequireActive(); aerr != nil {
			return aerr
		}
		if rec.Attached.Exists(ConfigKey()) {
			// Wholesale replace: the old config is discarded.
			if _, rerr := attached.Take[Config](rec.Attached, ConfigKey()); rerr != nil {
				return dErrors.Wrap(rerr, dErrors.CodeInternal, "failed to replace recovery config")
			}
		}
		stored := cfg
		stored.Guardians = append([]id.Principal{}, cfg.Guardians...)
		if aerr := rec.Attached.Add(ConfigKey(), &stored); aerr != nil {
			return dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to store recovery config")
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionConfigSet, now, map[string]string{
		"guardian_count": itoa(len(cfg.Guardians)),
		"threshold":      itoa(cfg.Threshold),
	}))
	return tokens, nil
}

// AddGuardian appends one guardian and mints their capability token.
func (s *Service) AddGuardian(ctx context.Context, caller id.Principal, identityID id.IdentityID, guardian id.Principal, now id.LogicalTime) (token string, err error) {
	defer s.instrument("add_guardian", time.Now(), &err)

	if _, perr := id.ParsePrincipal(guardian.String()); perr != nil {
		return "", perr
	}

	token, merr := s.minter.MintGuardian(capability.Guardian{IdentityID: identityID, Guardian: guardian})
	if merr != nil {
		return "", dErrors.Wrap(merr, dErrors.CodeInternal, "failed to mint guardian capability")
	}

	err = s.mutateConfig(ctx, caller, identityID, now, func(cfg *Config) error {
		return cfg.AddGuardian(guardian)
	})
	if err != nil {
		return "", err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionGuardianAdded, now, map[string]string{
		"guardian": guardian.String(),
	}))
	return token, nil
}

// RemoveGuardian drops one guardian, clamping the threshold per the config
// rule. The removed guardian's capability token stays in their hands but no
// longer passes the list-membership check.
func (s *Service) RemoveGuardian(ctx context.Context, caller id.Principal, identityID id.IdentityID, guardian id.Principal, now id.LogicalTime) (err error) {
	defer s.instrument("remove_guardian", time.Now(), &err)

	err = s.mutateConfig(ctx, caller, identityID, now, func(cfg *Config) error {
		return cfg.RemoveGuardian(guardian)
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionGuardianRemoved, now, map[string]string{
		"guardian": guardian.String(),
	}))
	return nil
}

// UpdateThreshold sets a new threshold inside the (0, guardian count] bound.
func (s *Service) UpdateThreshold(ctx context.Context, caller id.Principal, identityID id.IdentityID, threshold int, now id.LogicalTime) (err error) {
	defer s.instrument("update_threshold", time.Now(), &err)

	err = s.mutateConfig(ctx, caller, identityID, now, func(cfg *Config) error {
		if threshold <= 0 || threshold > len(cfg.Guardians) {
			return dErrors.New(dErrors.CodeValidation, "threshold must be in (0, guardian count]")
		}
		cfg.Threshold = threshold
		return nil
	})
	if err != nil {
		return err
	}

	s.emitConfigUpdated(ctx, caller, identityID, now)
	return nil
}

// UpdateTimelock sets a new mandatory delay for future completions. The
// in-flight request, if any, is judged against the config at completion
// time.
func (s *Service) UpdateTimelock(ctx context.Context, caller id.Principal, identityID id.IdentityID, timelock id.LogicalDuration, now id.LogicalTime) (err error) {
	defer s.instrument("update_timelock", time.Now(), &err)

	err = s.mutateConfig(ctx, caller, identityID, now, func(cfg *Config) error {
		cfg.Timelock = timelock
		return nil
	})
	if err != nil {
		return err
	}

	s.emitConfigUpdated(ctx, caller, identityID, now)
	return nil
}

// UpdateEmergencyAddress replaces (or clears, with nil) the emergency
// principal allowed to initiate recovery.
func (s *Service) UpdateEmergencyAddress(ctx context.Context, caller id.Principal, identityID id.IdentityID, emergency *id.Principal, now id.LogicalTime) (err error) {
	defer s.instrument("update_emergency", time.Now(), &err)

	err = s.mutateConfig(ctx, caller, identityID, now, func(cfg *Config) error {
		if emergency != nil {
			if _, perr := id.ParsePrincipal(emergency.String()); perr != nil {
				return perr
			}
		}
		cfg.Emergency = emergency
		return nil
	})
	if err != nil {
		return err
	}

	s.emitConfigUpdated(ctx, caller, identityID, now)
	return nil
}

// Initiate starts a recovery request. Only a listed guardian or the
// emergency principal may initiate, and only while no request is pending.
// The initiator's approval is counted immediately.
func (s *Service) Initiate(ctx context.Context, caller id.Principal, identityID id.IdentityID, newOwner id.Principal, validity id.LogicalDuration, now id.LogicalTime) (err error) {
	defer s.instrument("initiate", time.Now(), &err)

	if _, perr := id.ParsePrincipal(newOwner.String()); perr != nil {
		return perr
	}
	if validity == 0 {
		return dErrors.New(dErrors.CodeValidation, "validity period must be positive")
	}

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		cfg, cerr := borrowConfig(rec)
		if cerr != nil {
			return cerr
		}
		if !cfg.HasGuardian(caller) && !cfg.IsEmergency(caller) {
			return dErrors.New(dErrors.CodeUnauthorized, "caller is neither a guardian nor the emergency principal")
		}
		if rec.Attached.Exists(RequestKey()) {
			return dErrors.New(dErrors.CodeStateConflict, "a recovery request is already pending")
		}
		req := NewRequest(newOwner, caller, now, validity)
		if aerr := rec.Attached.Add(RequestKey(), req); aerr != nil {
			return dErrors.Wrap(aerr, dErrors.CodeInternal, "failed to store recovery request")
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionInitiated, now, map[string]string{
		"new_owner": newOwner.String(),
	}))
	return nil
}

// Approve adds the caller's vote to the pending request. The capability must
// bind this identity to this caller, and the caller must still be on the
// guardian list: the list is authoritative, the token is the proof of
// minting, and both must agree.
func (s *Service) Approve(ctx context.Context, caller id.Principal, identityID id.IdentityID, cap capability.Guardian, now id.LogicalTime) (err error) {
	defer s.instrument("approve", time.Now(), &err)

	if cap.IdentityID != identityID {
		return dErrors.New(dErrors.CodeUnauthorized, "guardian capability is bound to a different identity")
	}
	if cap.Guardian != caller {
		return dErrors.New(dErrors.CodeUnauthorized, "guardian capability belongs to a different principal")
	}

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		cfg, cerr := borrowConfig(rec)
		if cerr != nil {
			return cerr
		}
		if !cfg.HasGuardian(caller) {
			return dErrors.New(dErrors.CodeUnauthorized, "caller is no longer a listed guardian")
		}
		req, rerr := borrowRequest(rec)
		if rerr != nil {
			return rerr
		}
		if req.IsWindowExpired(now) {
			return dErrors.New(dErrors.CodeExpired, "recovery window has expired")
		}
		req.Approve(caller)
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionApproved, now, nil))
	return nil
}

// Complete validates all three gates (window not expired, timelock elapsed,
// threshold met), removes the request, and returns the outcome for the
// external ownership-transfer mechanism. Any caller may attempt completion;
// the gates carry the security.
func (s *Service) Complete(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) (outcome Outcome, err error) {
	defer s.instrument("complete", time.Now(), &err)
	ctx, span := s.tracer.Start(ctx, "recovery.Complete",
		trace.WithAttributes(attribute.String("identity_id", identityID.String())))
	defer span.End()

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		cfg, cerr := borrowConfig(rec)
		if cerr != nil {
			return cerr
		}
		req, rerr := borrowRequest(rec)
		if rerr != nil {
			return rerr
		}

		s.metrics.ObserveRecoveryApprovals(len(req.Approvals))

		if req.IsWindowExpired(now) {
			return dErrors.New(dErrors.CodeExpired, "recovery window has expired")
		}
		if now.Before(req.InitiatedAt.Add(cfg.Timelock)) {
			return dErrors.New(dErrors.CodeTimelockNotExpired, "timelock has not elapsed")
		}
		if len(req.Approvals) < cfg.Threshold {
			return dErrors.New(dErrors.CodeInsufficientVotes, "approvals below threshold")
		}

		owned, terr := attached.Take[Request](rec.Attached, RequestKey())
		if terr != nil {
			return dErrors.Wrap(terr, dErrors.CodeInternal, "failed to clear recovery request")
		}
		outcome = Outcome{
			IdentityID:  identityID,
			NewOwner:    owned.NewOwner,
			Approvals:   append([]id.Principal{}, owned.Approvals...),
			InitiatedAt: owned.InitiatedAt,
			CompletedAt: now,
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionCompleted, now, map[string]string{
		"new_owner": outcome.NewOwner.String(),
		"approvals": itoa(len(outcome.Approvals)),
	}))
	return outcome, nil
}

// Cancel aborts the pending request unconditionally. Only the legitimate
// owner holds this right; no threshold or timelock check applies.
func (s *Service) Cancel(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) (err error) {
	defer s.instrument("cancel", time.Now(), &err)

	err = identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if _, rerr := borrowRequest(rec); rerr != nil {
			return rerr
		}
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		if _, terr := attached.Take[Request](rec.Attached, RequestKey()); terr != nil {
			return dErrors.Wrap(terr, dErrors.CodeInternal, "failed to clear recovery request")
		}
		rec.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionCancelled, now, nil))
	return nil
}

// GetConfig returns a copy of the guardian configuration.
func (s *Service) GetConfig(ctx context.Context, identityID id.IdentityID) (Config, error) {
	var out Config
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		cfg, cerr := borrowConfig(rec)
		if cerr != nil {
			return cerr
		}
		out = *cfg
		out.Guardians = append([]id.Principal{}, cfg.Guardians...)
		if cfg.Emergency != nil {
			e := *cfg.Emergency
			out.Emergency = &e
		}
		return nil
	})
	return out, err
}

// GetRequest returns a copy of the pending request.
func (s *Service) GetRequest(ctx context.Context, identityID id.IdentityID) (Request, error) {
	var out Request
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		req, rerr := borrowRequest(rec)
		if rerr != nil {
			return rerr
		}
		out = *req
		out.Approvals = append([]id.Principal{}, req.Approvals...)
		return nil
	})
	return out, err
}

// GetState derives the machine state from request existence.
func (s *Service) GetState(ctx context.Context, identityID id.IdentityID) (State, error) {
	state := StateNoRequest
	err := identity.View(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if rec.Attached.Exists(RequestKey()) {
			state = StateRequestPending
		}
		return nil
	})
	return state, err
}

func (s *Service) mutateConfig(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime, fn func(cfg *Config) error) error {
	return identity.Mutate(ctx, s.tx, identityID, func(rec *identity.Record) error {
		if oerr := rec.RequireOwner(caller); oerr != nil {
			return oerr
		}
		cfg, cerr := borrowConfig(rec)
		if cerr != nil {
			return cerr
		}
		if ferr := fn(cfg); ferr != nil {
			return ferr
		}
		rec.Touch(now)
		return nil
	})
}

func (s *Service) emitConfigUpdated(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) {
	s.events.Emit(ctx, event.New(identityID, caller, event.SubsystemRecovery, event.ActionConfigSet, now, nil))
}

func borrowConfig(rec *identity.Record) (*Config, error) {
	cfg, err := attached.Borrow[Config](rec.Attached, ConfigKey())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "recovery is not configured")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read recovery config")
	}
	return cfg, nil
}

func borrowRequest(rec *identity.Record) (*Request, error) {
	req, err := attached.Borrow[Request](rec.Attached, RequestKey())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeStateConflict, "no recovery request is pending")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read recovery request")
	}
	return req, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func (s *Service) instrument(action string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = string(dErrors.CodeOf(*err))
	}
	s.metrics.RecordOperation(string(event.SubsystemRecovery), action, outcome)
	s.metrics.ObserveOperation(string(event.SubsystemRecovery), action, time.Since(start))
}
