package attached

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"idvault/pkg/platform/sentinel"
)

type entry struct {
	Name string
}

type StoreSuite struct {
	suite.Suite
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.store = New()
}

func (s *StoreSuite) TestAddAndExists() {
	key := Key{Namespace: "permission", Sub: "app-1"}
	assert.False(s.T(), s.store.Exists(key))

	require.NoError(s.T(), s.store.Add(key, &entry{Name: "first"}))
	assert.True(s.T(), s.store.Exists(key))
}

func (s *StoreSuite) TestAddDuplicateConflicts() {
	key := Key{Namespace: "permission", Sub: "app-1"}
	require.NoError(s.T(), s.store.Add(key, &entry{Name: "first"}))

	err := s.store.Add(key, &entry{Name: "second"})
	assert.ErrorIs(s.T(), err, sentinel.ErrConflict)

	// The original value survives a rejected insert.
	got, err := Borrow[entry](s.store, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "first", got.Name)
}

func (s *StoreSuite) TestBorrowMissing() {
	_, err := Borrow[entry](s.store, Key{Namespace: "credential", Sub: "x"})
	assert.ErrorIs(s.T(), err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestBorrowTypeMismatch() {
	key := Key{Namespace: "credential", Sub: "x"}
	require.NoError(s.T(), s.store.Add(key, &entry{}))

	type other struct{ N int }
	_, err := Borrow[other](s.store, key)
	assert.ErrorIs(s.T(), err, sentinel.ErrInvalidState)
}

func (s *StoreSuite) TestBorrowIsMutable() {
	key := Key{Namespace: "permission", Sub: "app-1"}
	require.NoError(s.T(), s.store.Add(key, &entry{Name: "before"}))

	got, err := Borrow[entry](s.store, key)
	require.NoError(s.T(), err)
	got.Name = "after"

	again, err := Borrow[entry](s.store, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "after", again.Name)
}

func (s *StoreSuite) TestRemoveTransfersOwnership() {
	key := Key{Namespace: "recovery", Sub: "request"}
	require.NoError(s.T(), s.store.Add(key, &entry{Name: "req"}))

	owned, err := Take[entry](s.store, key)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "req", owned.Name)
	assert.False(s.T(), s.store.Exists(key))

	_, err = s.store.Remove(key)
	assert.ErrorIs(s.T(), err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestTakeTypeMismatchKeepsEntry() {
	key := Key{Namespace: "recovery", Sub: "request"}
	require.NoError(s.T(), s.store.Add(key, &entry{Name: "req"}))

	type other struct{ N int }
	_, err := Take[other](s.store, key)
	assert.ErrorIs(s.T(), err, sentinel.ErrInvalidState)
	assert.True(s.T(), s.store.Exists(key))
}

func (s *StoreSuite) TestNamespacesDoNotCollide() {
	require.NoError(s.T(), s.store.Add(Key{Namespace: "permission", Sub: "a"}, &entry{Name: "perm"}))
	require.NoError(s.T(), s.store.Add(Key{Namespace: "credential", Sub: "a"}, &entry{Name: "cred"}))

	perm, err := Borrow[entry](s.store, Key{Namespace: "permission", Sub: "a"})
	require.NoError(s.T(), err)
	cred, err := Borrow[entry](s.store, Key{Namespace: "credential", Sub: "a"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "perm", perm.Name)
	assert.Equal(s.T(), "cred", cred.Name)
}
