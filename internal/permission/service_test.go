package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"idvault/internal/event"
	"idvault/internal/identity"
	"idvault/internal/identity/store/memory"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

const (
	owner    = id.Principal("did:example:owner")
	stranger = id.Principal("did:example:stranger")
)

type PermissionServiceSuite struct {
	suite.Suite
	store      *memory.Store
	recorder   *event.Recorder
	identities *identity.Service
	service    *Service
	identityID id.IdentityID
}

func TestPermissionServiceSuite(t *testing.T) {
	suite.Run(t, new(PermissionServiceSuite))
}

func (s *PermissionServiceSuite) SetupTest() {
	s.store = memory.NewStore()
	tx := memory.NewShardedTx(s.store)
	s.recorder = event.NewRecorder()
	s.identities = identity.NewService(s.store, tx, s.recorder, nil)
	s.service = NewService(tx, s.recorder, nil)

	info, err := s.identities.Register(context.Background(), owner, 1)
	s.Require().NoError(err)
	s.identityID = info.ID
}

func (s *PermissionServiceSuite) grant(appID id.AppID, scopes []string, expiration *id.LogicalTime, now id.LogicalTime) {
	err := s.service.Grant(context.Background(), owner, s.identityID, GrantRequest{
		AppID:      appID,
		AppName:    string(appID) + " app",
		Scopes:     scopes,
		Expiration: expiration,
	}, now)
	s.Require().NoError(err)
}

func expireAt(t id.LogicalTime) *id.LogicalTime { return &t }

func (s *PermissionServiceSuite) TestGrant() {
	ctx := context.Background()

	s.Run("only the owner may grant", func() {
		err := s.service.Grant(ctx, stranger, s.identityID, GrantRequest{AppID: "app-1", Scopes: []string{"read"}}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("empty app id is rejected", func() {
		err := s.service.Grant(ctx, owner, s.identityID, GrantRequest{Scopes: []string{"read"}}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("grant stores deduped trimmed scopes and indexes the app", func() {
		s.grant("app-1", []string{" read ", "write", "read", ""}, nil, 3)

		scopes, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal([]string{"read", "write"}, scopes)

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.AppID{"app-1"}, ids)
		s.Equal(event.ActionGranted, s.recorder.Last().Action)
	})

	s.Run("re-granting replaces in place without duplicating the index", func() {
		s.grant("app-1", []string{"admin"}, nil, 4)

		scopes, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal([]string{"admin"}, scopes)

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.AppID{"app-1"}, ids)
		s.Equal(event.ActionUpdated, s.recorder.Last().Action)
	})

	s.Run("grant refuses on a deactivated identity", func() {
		s.Require().NoError(s.identities.Deactivate(ctx, owner, s.identityID, 5))
		err := s.service.Grant(ctx, owner, s.identityID, GrantRequest{AppID: "app-2", Scopes: []string{"read"}}, 6)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		s.Require().NoError(s.identities.Reactivate(ctx, owner, s.identityID, 7))
	})
}

func (s *PermissionServiceSuite) TestRevoke() {
	ctx := context.Background()
	s.grant("app-1", []string{"read"}, nil, 2)

	s.Run("only the owner may revoke", func() {
		err := s.service.Revoke(ctx, stranger, s.identityID, "app-1", 3)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("revoke removes the entry and its index slot", func() {
		s.Require().NoError(s.service.Revoke(ctx, owner, s.identityID, "app-1", 3))

		_, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Empty(ids)
	})

	s.Run("revoking an absent grant is a silent no-op", func() {
		before := len(s.recorder.Events())
		s.Require().NoError(s.service.Revoke(ctx, owner, s.identityID, "app-1", 4))
		s.Len(s.recorder.Events(), before)
	})
}

func (s *PermissionServiceSuite) TestScopeEdits() {
	ctx := context.Background()
	s.grant("app-1", []string{"read"}, nil, 2)

	s.Run("add scope is idempotent", func() {
		s.Require().NoError(s.service.AddScope(ctx, owner, s.identityID, "app-1", "write", 3))
		s.Require().NoError(s.service.AddScope(ctx, owner, s.identityID, "app-1", "write", 4))

		scopes, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal([]string{"read", "write"}, scopes)
	})

	s.Run("remove scope fails when not granted", func() {
		err := s.service.RemoveScope(ctx, owner, s.identityID, "app-1", "admin", 5)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("remove scope withdraws exactly one scope", func() {
		s.Require().NoError(s.service.RemoveScope(ctx, owner, s.identityID, "app-1", "read", 6))
		scopes, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal([]string{"write"}, scopes)
	})

	s.Run("scope edits work on a deactivated identity", func() {
		s.Require().NoError(s.identities.Deactivate(ctx, owner, s.identityID, 7))
		s.Require().NoError(s.service.AddScope(ctx, owner, s.identityID, "app-1", "audit", 8))
		s.Require().NoError(s.identities.Reactivate(ctx, owner, s.identityID, 9))
	})
}

// TestFailedOperationLeavesStateUntouched pins the check-then-mutate contract
// on identity.Mutate: an operation failing a late precondition must leave the
// record exactly as it was, even on the memory store where the closure works
// on the live record.
func (s *PermissionServiceSuite) TestFailedOperationLeavesStateUntouched() {
	ctx := context.Background()
	s.grant("app-1", []string{"read", "write"}, nil, 2)

	before, err := s.identities.Get(ctx, s.identityID)
	s.Require().NoError(err)

	s.Run("a failed scope removal leaves scopes and timestamps intact", func() {
		err := s.service.RemoveScope(ctx, owner, s.identityID, "app-1", "admin", 10)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		scopes, err := s.service.GetScopes(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal([]string{"read", "write"}, scopes)

		after, err := s.identities.Get(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal(before.UpdatedAt, after.UpdatedAt)
	})

	s.Run("a refused grant leaves the index intact", func() {
		s.Require().NoError(s.identities.Deactivate(ctx, owner, s.identityID, 11))
		err := s.service.Grant(ctx, owner, s.identityID, GrantRequest{AppID: "app-2", Scopes: []string{"read"}}, 12)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.AppID{"app-1"}, ids)
	})
}

func (s *PermissionServiceSuite) TestLazyExpiry() {
	ctx := context.Background()
	s.grant("app-1", []string{"read"}, expireAt(10), 2)

	s.Run("before expiration the grant answers true", func() {
		ok, err := s.service.HasPermission(ctx, s.identityID, "app-1", "read", 10)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("after expiration the grant answers false but persists", func() {
		ok, err := s.service.HasPermission(ctx, s.identityID, "app-1", "read", 11)
		s.Require().NoError(err)
		s.False(ok)

		any, err := s.service.HasAnyPermission(ctx, s.identityID, "app-1", 11)
		s.Require().NoError(err)
		s.False(any)

		// The entry itself is still queryable; expiry is a view.
		info, err := s.service.GetPermissionInfo(ctx, s.identityID, "app-1")
		s.Require().NoError(err)
		s.Equal(id.AppID("app-1"), info.AppID)
	})

	s.Run("status partition reports it as expired", func() {
		active, expired, err := s.service.GetPermissionsByStatus(ctx, s.identityID, 11)
		s.Require().NoError(err)
		s.Empty(active)
		s.Len(expired, 1)
	})

	s.Run("updating the expiration revives the view", func() {
		s.Require().NoError(s.service.UpdateExpiration(ctx, owner, s.identityID, "app-1", expireAt(20), 12))
		ok, err := s.service.HasPermission(ctx, s.identityID, "app-1", "read", 12)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("unknown app answers false without error", func() {
		ok, err := s.service.HasPermission(ctx, s.identityID, "app-9", "read", 11)
		s.Require().NoError(err)
		s.False(ok)
	})
}

func (s *PermissionServiceSuite) TestClear() {
	ctx := context.Background()
	s.grant("app-live", []string{"read"}, nil, 2)
	s.grant("app-dead", []string{"read"}, expireAt(5), 3)

	s.Run("clear expired removes only past-expiration entries", func() {
		s.Require().NoError(s.service.ClearExpiredPermissions(ctx, owner, s.identityID, 6))

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]id.AppID{"app-live"}, ids)
	})

	s.Run("clear all empties both entries and index", func() {
		s.Require().NoError(s.service.ClearAllPermissions(ctx, owner, s.identityID, 7))

		ids, err := s.service.GetAllAppIDs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Empty(ids)

		all, err := s.service.GetAllPermissions(ctx, s.identityID)
		s.Require().NoError(err)
		s.Empty(all)
	})

	s.Run("clear on an identity with no grants is a no-op", func() {
		s.Require().NoError(s.service.ClearAllPermissions(ctx, owner, s.identityID, 8))
	})
}
