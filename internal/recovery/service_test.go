package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"idvault/internal/capability"
	"idvault/internal/event"
	"idvault/internal/identity"
	"idvault/internal/identity/store/memory"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

const (
	owner     = id.Principal("did:example:owner")
	guardian1 = id.Principal("did:example:g1")
	guardian2 = id.Principal("did:example:g2")
	guardian3 = id.Principal("did:example:g3")
	rescuer   = id.Principal("did:example:rescuer")
)

type RecoveryServiceSuite struct {
	suite.Suite
	store      *memory.Store
	recorder   *event.Recorder
	minter     *capability.Minter
	identities *identity.Service
	service    *Service
	identityID id.IdentityID
}

func TestRecoveryServiceSuite(t *testing.T) {
	suite.Run(t, new(RecoveryServiceSuite))
}

func (s *RecoveryServiceSuite) SetupTest() {
	s.store = memory.NewStore()
	tx := memory.NewShardedTx(s.store)
	s.recorder = event.NewRecorder()
	s.minter = capability.NewMinter("test-signing-key")
	s.identities = identity.NewService(s.store, tx, s.recorder, nil)
	s.service = NewService(tx, s.recorder, s.minter, nil)

	info, err := s.identities.Register(context.Background(), owner, 1)
	s.Require().NoError(err)
	s.identityID = info.ID
}

// configure installs the canonical 2-of-3 setup with a 24-tick timelock.
func (s *RecoveryServiceSuite) configure(now id.LogicalTime) map[id.Principal]string {
	tokens, err := s.service.Configure(context.Background(), owner, s.identityID, Config{
		Guardians: []id.Principal{guardian1, guardian2, guardian3},
		Threshold: 2,
		Timelock:  24,
	}, now)
	s.Require().NoError(err)
	return tokens
}

func (s *RecoveryServiceSuite) guardianCap(guardian id.Principal) capability.Guardian {
	return capability.Guardian{IdentityID: s.identityID, Guardian: guardian}
}

func (s *RecoveryServiceSuite) TestConfigure() {
	ctx := context.Background()

	s.Run("rejects an empty guardian list", func() {
		_, err := s.service.Configure(ctx, owner, s.identityID, Config{Threshold: 1}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a threshold above the guardian count", func() {
		_, err := s.service.Configure(ctx, owner, s.identityID, Config{
			Guardians: []id.Principal{guardian1},
			Threshold: 2,
		}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects duplicate guardians", func() {
		_, err := s.service.Configure(ctx, owner, s.identityID, Config{
			Guardians: []id.Principal{guardian1, guardian1},
			Threshold: 1,
		}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("only the owner may configure", func() {
		_, err := s.service.Configure(ctx, guardian1, s.identityID, Config{
			Guardians: []id.Principal{guardian1},
			Threshold: 1,
		}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("configure mints one verifiable token per guardian", func() {
		tokens := s.configure(3)
		s.Len(tokens, 3)
		for guardian, token := range tokens {
			cap, err := s.minter.ValidateGuardian(token)
			s.Require().NoError(err)
			s.Equal(s.identityID, cap.IdentityID)
			s.Equal(guardian, cap.Guardian)
		}
	})

	s.Run("reconfigure replaces the config wholesale", func() {
		_, err := s.service.Configure(ctx, owner, s.identityID, Config{
			Guardians: []id.Principal{rescuer},
			Threshold: 1,
		}, 4)
		s.Require().NoError(err)

		cfg, err := s.service.GetConfig(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.Principal{rescuer}, cfg.Guardians)
		s.Equal(1, cfg.Threshold)
	})
}

func (s *RecoveryServiceSuite) TestGuardianManagement() {
	ctx := context.Background()
	s.configure(2)

	s.Run("adding an existing guardian conflicts", func() {
		_, err := s.service.AddGuardian(ctx, owner, s.identityID, guardian1, 3)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("adding a guardian returns a bound token", func() {
		token, err := s.service.AddGuardian(ctx, owner, s.identityID, rescuer, 4)
		s.Require().NoError(err)

		cap, verr := s.minter.ValidateGuardian(token)
		s.Require().NoError(verr)
		s.Equal(rescuer, cap.Guardian)

		cfg, gerr := s.service.GetConfig(ctx, s.identityID)
		s.Require().NoError(gerr)
		s.Len(cfg.Guardians, 4)
	})

	s.Run("removing an unlisted guardian is not found", func() {
		err := s.service.RemoveGuardian(ctx, owner, s.identityID, "did:example:nobody", 5)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("threshold updates stay inside the bound", func() {
		err := s.service.UpdateThreshold(ctx, owner, s.identityID, 9, 6)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Require().NoError(s.service.UpdateThreshold(ctx, owner, s.identityID, 4, 6))
	})

	s.Run("removal clamps the threshold to the remaining count", func() {
		s.Require().NoError(s.service.RemoveGuardian(ctx, owner, s.identityID, rescuer, 7))

		cfg, err := s.service.GetConfig(ctx, s.identityID)
		s.Require().NoError(err)
		s.Len(cfg.Guardians, 3)
		s.Equal(3, cfg.Threshold)
	})

	s.Run("emergency principal can be set and cleared", func() {
		emergency := rescuer
		s.Require().NoError(s.service.UpdateEmergencyAddress(ctx, owner, s.identityID, &emergency, 8))

		cfg, err := s.service.GetConfig(ctx, s.identityID)
		s.Require().NoError(err)
		s.Require().NotNil(cfg.Emergency)
		s.Equal(rescuer, *cfg.Emergency)

		s.Require().NoError(s.service.UpdateEmergencyAddress(ctx, owner, s.identityID, nil, 9))
		cfg, err = s.service.GetConfig(ctx, s.identityID)
		s.Require().NoError(err)
		s.Nil(cfg.Emergency)
	})
}

func (s *RecoveryServiceSuite) TestInitiate() {
	ctx := context.Background()

	s.Run("initiation requires a configuration", func() {
		err := s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.configure(2)

	s.Run("zero validity is rejected", func() {
		err := s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 0, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("a non-guardian cannot initiate", func() {
		err := s.service.Initiate(ctx, rescuer, s.identityID, rescuer, 72, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("a guardian initiates with their approval counted", func() {
		s.Require().NoError(s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 10))

		req, err := s.service.GetRequest(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal(rescuer, req.NewOwner)
		s.Equal([]id.Principal{guardian1}, req.Approvals)
		s.Equal(id.LogicalTime(82), req.ExpiresAt)

		state, err := s.service.GetState(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal(StateRequestPending, state)
	})

	s.Run("a second initiation conflicts with the pending request", func() {
		err := s.service.Initiate(ctx, guardian2, s.identityID, rescuer, 72, 11)
		s.True(dErrors.HasCode(err, dErrors.CodeStateConflict))
	})

	s.Run("the emergency principal may initiate once the request is cleared", func() {
		s.Require().NoError(s.service.Cancel(ctx, owner, s.identityID, 12))
		emergency := rescuer
		s.Require().NoError(s.service.UpdateEmergencyAddress(ctx, owner, s.identityID, &emergency, 13))
		s.Require().NoError(s.service.Initiate(ctx, rescuer, s.identityID, rescuer, 72, 14))
	})
}

func (s *RecoveryServiceSuite) TestApprove() {
	ctx := context.Background()
	s.configure(2)
	s.Require().NoError(s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 100))

	s.Run("a capability bound to another identity is refused", func() {
		foreign := capability.Guardian{IdentityID: id.NewIdentityID(), Guardian: guardian2}
		err := s.service.Approve(ctx, guardian2, s.identityID, foreign, 101)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("a capability for a different principal is refused", func() {
		err := s.service.Approve(ctx, guardian2, s.identityID, s.guardianCap(guardian3), 101)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("a removed guardian's token is inert", func() {
		s.Require().NoError(s.service.RemoveGuardian(ctx, owner, s.identityID, guardian3, 101))
		err := s.service.Approve(ctx, guardian3, s.identityID, s.guardianCap(guardian3), 102)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("duplicate approvals do not inflate the count", func() {
		s.Require().NoError(s.service.Approve(ctx, guardian2, s.identityID, s.guardianCap(guardian2), 103))
		s.Require().NoError(s.service.Approve(ctx, guardian2, s.identityID, s.guardianCap(guardian2), 104))

		req, err := s.service.GetRequest(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.Principal{guardian1, guardian2}, req.Approvals)
	})

	s.Run("approval after the validity window is expired", func() {
		err := s.service.Approve(ctx, guardian1, s.identityID, s.guardianCap(guardian1), 173)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})
}

func (s *RecoveryServiceSuite) TestComplete() {
	ctx := context.Background()
	s.configure(2)

	s.Run("completion without a pending request is a state conflict", func() {
		_, err := s.service.Complete(ctx, rescuer, s.identityID, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeStateConflict))
	})

	s.Require().NoError(s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 100))

	s.Run("the timelock gates completion even with enough approvals", func() {
		s.Require().NoError(s.service.Approve(ctx, guardian2, s.identityID, s.guardianCap(guardian2), 101))
		_, err := s.service.Complete(ctx, rescuer, s.identityID, 110)
		s.True(dErrors.HasCode(err, dErrors.CodeTimelockNotExpired))
	})

	s.Run("the gated request survives failed attempts", func() {
		state, err := s.service.GetState(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal(StateRequestPending, state)
	})

	s.Run("completion with all gates satisfied clears the request", func() {
		outcome, err := s.service.Complete(ctx, rescuer, s.identityID, 124)
		s.Require().NoError(err)
		s.Equal(rescuer, outcome.NewOwner)
		s.Equal(s.identityID, outcome.IdentityID)
		s.ElementsMatch([]id.Principal{guardian1, guardian2}, outcome.Approvals)
		s.Equal(id.LogicalTime(100), outcome.InitiatedAt)
		s.Equal(id.LogicalTime(124), outcome.CompletedAt)

		state, serr := s.service.GetState(ctx, s.identityID)
		s.Require().NoError(serr)
		s.Equal(StateNoRequest, state)
	})
}

func (s *RecoveryServiceSuite) TestCompleteGateOrder() {
	ctx := context.Background()
	s.configure(2)
	s.Require().NoError(s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 100))

	s.Run("below threshold after the timelock is insufficient votes", func() {
		_, err := s.service.Complete(ctx, rescuer, s.identityID, 130)
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientVotes))
	})

	s.Run("past the validity window the request is expired regardless of votes", func() {
		s.Require().NoError(s.service.Approve(ctx, guardian2, s.identityID, s.guardianCap(guardian2), 131))
		_, err := s.service.Complete(ctx, rescuer, s.identityID, 200)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})
}

func (s *RecoveryServiceSuite) TestCancel() {
	ctx := context.Background()
	s.configure(2)

	s.Run("cancel without a pending request is a state conflict", func() {
		err := s.service.Cancel(ctx, owner, s.identityID, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeStateConflict))
	})

	s.Require().NoError(s.service.Initiate(ctx, guardian1, s.identityID, rescuer, 72, 100))

	s.Run("only the owner may cancel", func() {
		err := s.service.Cancel(ctx, guardian1, s.identityID, 101)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("the owner cancels unconditionally, even an expired request", func() {
		s.Require().NoError(s.service.Cancel(ctx, owner, s.identityID, 500))

		state, err := s.service.GetState(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal(StateNoRequest, state)
		s.Equal(event.ActionCancelled, s.recorder.Last().Action)
	})
}
