package redis

import (
	"context"
	"sync"
	"time"

	"idvault/internal/identity"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Redis has no multi-statement transactions usable across a read-check-write
// cycle, so the engine serializes per identity with sharded mutexes, the same
// boundary the in-memory store uses. This holds for a single engine instance,
// which is the deployment this store targets.
const numShards = 128

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
