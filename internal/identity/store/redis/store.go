// Package redis implements the identity store on Redis. Each record is one
// JSON document under identity:{id}, with an owner lookup key alongside it.
// Per-identity serialization comes from the engine's transaction runner, so
// the store itself needs no WATCH round trips.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"idvault/internal/identity"
	"idvault/internal/identity/store/codec"
	id "idvault/pkg/domain"
	"idvault/pkg/platform/sentinel"
)

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func recordKey(identityID id.IdentityID) string {
	return "identity:" + identityID.String()
}

func ownerKey(owner id.Principal) string {
	return "identity:owner:" + owner.String()
}

func (s *Store) Create(ctx context.Context, rec *identity.Record) error {
	data, err := codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", rec.ID, err)
	}

	claimed, err := s.client.SetNX(ctx, ownerKey(rec.Owner), rec.ID.String(), 0).Result()
	if err != nil {
		return fmt.Errorf("claim owner %s: %w", rec.Owner, err)
	}
	if !claimed {
		return fmt.Errorf("owner %s already registered: %w", rec.Owner, sentinel.ErrConflict)
	}

	stored, err := s.client.SetNX(ctx, recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store identity %s: %w", rec.ID, err)
	}
	if !stored {
		// Release the owner claim taken above; the id collision wins.
		s.client.Del(ctx, ownerKey(rec.Owner))
		return fmt.Errorf("identity %s already exists: %w", rec.ID, sentinel.ErrConflict)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, identityID id.IdentityID) (*identity.Record, error) {
	data, err := s.client.Get(ctx, recordKey(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("identity %s: %w", identityID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}
	return codec.Decode(data)
}

func (s *Store) FindByOwner(ctx context.Context, owner id.Principal) (*identity.Record, error) {
	raw, err := s.client.Get(ctx, ownerKey(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("owner %s: %w", owner, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve owner %s: %w", owner, err)
	}
	identityID, err := id.ParseIdentityID(raw)
	if err != nil {
		return nil, fmt.Errorf("owner %s maps to malformed id %q: %w", owner, raw, err)
	}
	return s.Find(ctx, identityID)
}

// Save writes back a record. Ownership transfers re-point the owner lookup
// key in the same pipeline as the record write.
func (s *Store) Save(ctx context.Context, rec *identity.Record) error {
	previous, err := s.Find(ctx, rec.ID)
	if err != nil {
		return err
	}

	data, err := codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", rec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(rec.ID), data, 0)
	if previous.Owner != rec.Owner {
		pipe.Del(ctx, ownerKey(previous.Owner))
		pipe.Set(ctx, ownerKey(rec.Owner), rec.ID.String(), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save identity %s: %w", rec.ID, err)
	}
	return nil
}
