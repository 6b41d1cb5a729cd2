package credential

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
	issuerOne = id.Principal("did:example:gov")
	issuerTwo = id.Principal("did:example:university")
)

type CredentialServiceSuite struct {
	suite.Suite
	store      *memory.Store
	recorder   *event.Recorder
	identities *identity.Service
	service    *Service
	identityID id.IdentityID
	govCap     capability.Issuer
	uniCap     capability.Issuer
}

func TestCredentialServiceSuite(t *testing.T) {
	suite.Run(t, new(CredentialServiceSuite))
}

func (s *CredentialServiceSuite) SetupTest() {
	s.store = memory.NewStore()
	tx := memory.NewShardedTx(s.store)
	s.recorder = event.NewRecorder()
	s.identities = identity.NewService(s.store, tx, s.recorder, nil)
	s.service = NewService(tx, s.recorder, nil)

	info, err := s.identities.Register(context.Background(), owner, 1)
	s.Require().NoError(err)
	s.identityID = info.ID

	s.govCap = capability.Issuer{
		IssuerName:      "Civil Registry",
		IssuerPrincipal: issuerOne,
		AllowedDomains:  []id.CredentialType{"age_over_18", "residency"},
	}
	s.uniCap = capability.Issuer{
		IssuerName:      "University",
		IssuerPrincipal: issuerTwo,
		AllowedDomains:  []id.CredentialType{"degree"},
	}
}

func (s *CredentialServiceSuite) issue(cap capability.Issuer, credType id.CredentialType, data []byte, now id.LogicalTime) {
	err := s.service.Issue(context.Background(), cap, s.identityID, IssueRequest{Type: credType, Data: data}, now)
	s.Require().NoError(err)
}

func (s *CredentialServiceSuite) TestIssue() {
	ctx := context.Background()

	s.Run("capability must cover the credential type", func() {
		err := s.service.Issue(ctx, s.govCap, s.identityID, IssueRequest{Type: "degree"}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("empty type is rejected", func() {
		err := s.service.Issue(ctx, s.govCap, s.identityID, IssueRequest{}, 2)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("issue stores an active entry and registers its ref", func() {
		s.issue(s.govCap, "age_over_18", []byte("yes"), 3)

		valid, err := s.service.HasValidCredential(ctx, s.identityID, "age_over_18", issuerOne, 3)
		s.Require().NoError(err)
		s.True(valid)

		refs, err := s.service.GetAllCredentialRefs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Equal([]Ref{{Type: "age_over_18", Issuer: issuerOne}}, refs)
		s.Equal(event.ActionIssued, s.recorder.Last().Action)
	})

	s.Run("re-issuing replaces the entry without duplicating the registry", func() {
		err := s.service.Revoke(ctx, s.govCap, s.identityID, "age_over_18", 4)
		s.Require().NoError(err)

		s.issue(s.govCap, "age_over_18", []byte("still yes"), 5)

		valid, err := s.service.HasValidCredential(ctx, s.identityID, "age_over_18", issuerOne, 5)
		s.Require().NoError(err)
		s.True(valid, "a fresh issuance is active even though the old entry was revoked")

		refs, err := s.service.GetAllCredentialRefs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Len(refs, 1)
	})

	s.Run("same type from another issuer is a distinct credential", func() {
		residency := capability.Issuer{
			IssuerName:      "City Hall",
			IssuerPrincipal: issuerTwo,
			AllowedDomains:  []id.CredentialType{"age_over_18"},
		}
		err := s.service.Issue(ctx, residency, s.identityID, IssueRequest{Type: "age_over_18"}, 6)
		s.Require().NoError(err)

		refs, err := s.service.GetAllCredentialRefs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Len(refs, 2)
	})

	s.Run("issue refuses on a deactivated identity", func() {
		s.Require().NoError(s.identities.Deactivate(ctx, owner, s.identityID, 7))
		err := s.service.Issue(ctx, s.govCap, s.identityID, IssueRequest{Type: "residency"}, 8)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func (s *CredentialServiceSuite) TestRevoke() {
	ctx := context.Background()
	s.issue(s.govCap, "age_over_18", nil, 2)

	s.Run("revoke flips validity off but keeps the entry", func() {
		s.Require().NoError(s.service.Revoke(ctx, s.govCap, s.identityID, "age_over_18", 3))

		valid, err := s.service.HasValidCredential(ctx, s.identityID, "age_over_18", issuerOne, 3)
		s.Require().NoError(err)
		s.False(valid)

		refs, err := s.service.GetAllCredentialRefs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Len(refs, 1, "revocation is not deletion")
	})

	s.Run("revoking twice violates the one-way invariant", func() {
		err := s.service.Revoke(ctx, s.govCap, s.identityID, "age_over_18", 4)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("an issuer cannot revoke another issuer's credential", func() {
		err := s.service.Revoke(ctx, s.uniCap, s.identityID, "age_over_18", 5)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "the (type, issuer) pair addresses a different credential")
	})
}

func (s *CredentialServiceSuite) TestDelete() {
	ctx := context.Background()
	s.issue(s.govCap, "age_over_18", nil, 2)

	s.Run("only the owner may delete", func() {
		err := s.service.Delete(ctx, issuerOne, s.identityID, "age_over_18", issuerOne, 3)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("delete removes entry and registry ref", func() {
		s.Require().NoError(s.service.Delete(ctx, owner, s.identityID, "age_over_18", issuerOne, 3))

		refs, err := s.service.GetAllCredentialRefs(ctx, s.identityID)
		s.Require().NoError(err)
		s.Empty(refs)
	})

	s.Run("deleting an absent credential is not found", func() {
		err := s.service.Delete(ctx, owner, s.identityID, "age_over_18", issuerOne, 4)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *CredentialServiceSuite) TestDataAccess() {
	ctx := context.Background()
	s.issue(s.govCap, "age_over_18", []byte("payload"), 2)

	s.Run("the owner reads the payload", func() {
		data, err := s.service.GetCredentialData(ctx, s.identityID, "age_over_18", issuerOne, owner)
		s.Require().NoError(err)
		s.Equal([]byte("payload"), data)
	})

	s.Run("the issuing principal reads the payload", func() {
		data, err := s.service.GetCredentialData(ctx, s.identityID, "age_over_18", issuerOne, issuerOne)
		s.Require().NoError(err)
		s.Equal([]byte("payload"), data)
	})

	s.Run("anyone else gets a nil payload without error", func() {
		data, err := s.service.GetCredentialData(ctx, s.identityID, "age_over_18", issuerOne, issuerTwo)
		s.Require().NoError(err)
		s.Nil(data)
	})
}

func (s *CredentialServiceSuite) TestQueries() {
	ctx := context.Background()
	s.issue(s.govCap, "age_over_18", nil, 2)
	s.issue(s.govCap, "residency", nil, 3)
	s.issue(s.uniCap, "degree", nil, 4)
	s.Require().NoError(s.service.Revoke(ctx, s.govCap, s.identityID, "residency", 5))

	s.Run("all credentials come back in issuance order", func() {
		all, err := s.service.GetAllCredentials(ctx, s.identityID)
		s.Require().NoError(err)
		s.Require().Len(all, 3)
		s.Equal(id.CredentialType("age_over_18"), all[0].Type)
		s.Equal(id.CredentialType("residency"), all[1].Type)
		s.Equal(id.CredentialType("degree"), all[2].Type)
	})

	s.Run("filter by issuer", func() {
		got, err := s.service.GetCredentialsByIssuer(ctx, s.identityID, issuerTwo)
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(id.CredentialType("degree"), got[0].Type)
	})

	s.Run("count skips revoked entries", func() {
		count, err := s.service.CountValid(ctx, s.identityID, 6)
		s.Require().NoError(err)
		s.Equal(2, count)
	})
}
