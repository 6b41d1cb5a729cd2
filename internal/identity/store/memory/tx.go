package memory

import (
	"context"
	"sync"
	"time"

	"idvault/internal/identity"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// ShardedTx provides the transactional boundary over the in-memory store
// using sharded mutexes. Operations are distributed across N shards by a
// hash of the identity id, so distinct identities proceed concurrently while
// operations on one identity serialize.
const numShards = 128

// defaultTxTimeout bounds how long one engine operation may hold its shard.
const defaultTxTimeout = 5 * time.Second

type ShardedTx struct {
	shards  [numShards]sync.Mutex
	store   *Store
	timeout time.Duration
}

func NewShardedTx(store *Store) *ShardedTx {
	return &ShardedTx{store: store}
}

func (t *ShardedTx) RunInTx(ctx context.Context, identityID id.IdentityID, fn func(store identity.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := hashIdentity(identityID) % numShards
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(t.store)
}

// hashIdentity uses FNV-1a over the id's string form for shard distribution.
func hashIdentity(identityID id.IdentityID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	s := identityID.String()
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
