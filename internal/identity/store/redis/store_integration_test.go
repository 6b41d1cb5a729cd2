//go:build integration

package redis_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"idvault/internal/attached"
	"idvault/internal/identity"
	redisstore "idvault/internal/identity/store/redis"
	"idvault/internal/permission"
	id "idvault/pkg/domain"
	"idvault/pkg/platform/sentinel"
	"idvault/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *redisstore.Store
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = redisstore.NewStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	rec := identity.NewRecord("alice", 10)

	s.Require().NoError(s.store.Create(ctx, rec))

	found, err := s.store.Find(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, found.ID)
	s.Equal(id.Principal("alice"), found.Owner)
	s.True(found.Active)
	s.Equal(id.LogicalTime(10), found.CreatedAt)

	byOwner, err := s.store.FindByOwner(ctx, "alice")
	s.Require().NoError(err)
	s.Equal(rec.ID, byOwner.ID)
}

func (s *RedisStoreSuite) TestCreateRejectsDuplicateOwner() {
	ctx := context.Background()

	s.Require().NoError(s.store.Create(ctx, identity.NewRecord("alice", 1)))

	err := s.store.Create(ctx, identity.NewRecord("alice", 2))
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestFindUnknown() {
	ctx := context.Background()

	_, err := s.store.Find(ctx, id.NewIdentityID())
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.FindByOwner(ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestSavePersistsAttachedState() {
	ctx := context.Background()
	rec := identity.NewRecord("alice", 1)
	s.Require().NoError(s.store.Create(ctx, rec))

	entry := &permission.Entry{
		AppID:     "app-1",
		AppName:   "Photo Editor",
		Scopes:    []string{"read", "write"},
		GrantedAt: 5,
	}
	s.Require().NoError(rec.Attached.Add(permission.EntryKey(entry.AppID), entry))
	s.Require().NoError(rec.Attached.Add(permission.IndexKey(), &permission.AppIndex{AppIDs: []id.AppID{entry.AppID}}))
	rec.Touch(5)
	s.Require().NoError(s.store.Save(ctx, rec))

	found, err := s.store.Find(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(id.LogicalTime(5), found.UpdatedAt)

	// Values round-trip with their concrete types intact.
	restored, err := attachedEntry(found, entry.AppID)
	s.Require().NoError(err)
	s.Equal(entry.AppName, restored.AppName)
	s.Equal(entry.Scopes, restored.Scopes)
	s.Nil(restored.Expiration)
}

func (s *RedisStoreSuite) TestSaveReindexesOwnerOnTransfer() {
	ctx := context.Background()
	rec := identity.NewRecord("alice", 1)
	s.Require().NoError(s.store.Create(ctx, rec))

	rec.Owner = "alice-recovered"
	rec.Touch(50)
	s.Require().NoError(s.store.Save(ctx, rec))

	moved, err := s.store.FindByOwner(ctx, "alice-recovered")
	s.Require().NoError(err)
	s.Equal(rec.ID, moved.ID)

	_, err = s.store.FindByOwner(ctx, "alice")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestShardedTxSerializesPerIdentity runs concurrent read-modify-write cycles
// through the runner and checks no update is lost.
func (s *RedisStoreSuite) TestShardedTxSerializesPerIdentity() {
	ctx := context.Background()
	rec := identity.NewRecord("alice", 0)
	s.Require().NoError(s.store.Create(ctx, rec))

	tx := redisstore.NewShardedTx(s.store)
	const writers = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tx.RunInTx(ctx, rec.ID, func(store identity.Store) error {
				cur, err := store.Find(ctx, rec.ID)
				if err != nil {
					return err
				}
				cur.Touch(cur.UpdatedAt + 1)
				return store.Save(ctx, cur)
			})
			s.NoError(err)
		}()
	}
	wg.Wait()

	found, err := s.store.Find(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(id.LogicalTime(writers), found.UpdatedAt)
}

func attachedEntry(rec *identity.Record, appID id.AppID) (*permission.Entry, error) {
	return attached.Borrow[permission.Entry](rec.Attached, permission.EntryKey(appID))
}
