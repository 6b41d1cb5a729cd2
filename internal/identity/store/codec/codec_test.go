package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"idvault/internal/attached"
	"idvault/internal/credential"
	"idvault/internal/identity"
	"idvault/internal/permission"
	"idvault/internal/recovery"
	id "idvault/pkg/domain"
)

// The codec must rebuild every namespace a subsystem can attach; a record
// that loses attached state across a store round trip silently drops grants.
func TestRecordRoundTrip(t *testing.T) {
	rec := identity.NewRecord("did:example:alice", 10)
	rec.Active = false
	rec.Touch(20)

	expiration := id.LogicalTime(99)
	require.NoError(t, rec.Attached.Add(permission.EntryKey("app-1"), &permission.Entry{
		AppID:      "app-1",
		AppName:    "App One",
		Scopes:     []string{"read", "write"},
		Expiration: &expiration,
		GrantedAt:  5,
	}))
	require.NoError(t, rec.Attached.Add(permission.IndexKey(), &permission.AppIndex{AppIDs: []id.AppID{"app-1"}}))

	ref := credential.Ref{Type: "age_over_18", Issuer: "did:example:gov"}
	require.NoError(t, rec.Attached.Add(credential.EntryKey(ref), &credential.Entry{
		Type:     ref.Type,
		Issuer:   ref.Issuer,
		IssuedAt: 7,
		Data:     []byte("payload"),
		Status:   credential.StatusActive,
	}))
	require.NoError(t, rec.Attached.Add(credential.IndexKey(), &credential.Registry{Refs: []credential.Ref{ref}}))

	require.NoError(t, rec.Attached.Add(recovery.ConfigKey(), &recovery.Config{
		Guardians: []id.Principal{"did:example:g1", "did:example:g2"},
		Threshold: 2,
		Timelock:  24,
	}))
	require.NoError(t, rec.Attached.Add(recovery.RequestKey(), recovery.NewRequest("did:example:new", "did:example:g1", 30, 72)))

	data, err := Encode(rec)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Owner, got.Owner)
	require.False(t, got.Active)
	require.Equal(t, id.LogicalTime(10), got.CreatedAt)
	require.Equal(t, id.LogicalTime(20), got.UpdatedAt)
	require.Equal(t, rec.Attached.Len(), got.Attached.Len())

	entry, err := attached.Borrow[permission.Entry](got.Attached, permission.EntryKey("app-1"))
	require.NoError(t, err)
	require.Equal(t, []string{"read", "write"}, entry.Scopes)
	require.NotNil(t, entry.Expiration)
	require.Equal(t, expiration, *entry.Expiration)

	cred, err := attached.Borrow[credential.Entry](got.Attached, credential.EntryKey(ref))
	require.NoError(t, err)
	require.Equal(t, credential.StatusActive, cred.Status)
	require.Equal(t, []byte("payload"), cred.Data)

	cfg, err := attached.Borrow[recovery.Config](got.Attached, recovery.ConfigKey())
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Threshold)

	req, err := attached.Borrow[recovery.Request](got.Attached, recovery.RequestKey())
	require.NoError(t, err)
	require.Equal(t, id.LogicalTime(102), req.ExpiresAt)
	require.Equal(t, []id.Principal{"did:example:g1"}, req.Approvals)
}

func TestDecodeRejectsUnknownNamespace(t *testing.T) {
	_, err := Decode([]byte(`{
		"id": "8f14e45f-ceea-467f-ab6e-000000000001",
		"owner": "did:example:alice",
		"active": true,
		"created_at": 1,
		"updated_at": 1,
		"attached": [{"namespace": "unheard_of", "value": {}}]
	}`))
	require.Error(t, err)
}
