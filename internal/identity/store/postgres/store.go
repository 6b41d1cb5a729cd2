// Package postgres implements the identity store on PostgreSQL. Record
// fields live in columns; the attached store is one jsonb document, written
// back whole so a transaction commits an identity's state all or nothing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"idvault/internal/identity"
	"idvault/internal/identity/store/codec"
	id "idvault/pkg/domain"
	"idvault/pkg/platform/sentinel"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store runs against either the pool or a transaction. Transaction-scoped
// stores lock the record row on read so operations on one identity serialize.
type Store struct {
	q         querier
	forUpdate bool
}

func NewStore(db *sql.DB) *Store {
	return &Store{q: db}
}

func newTxStore(tx *sql.Tx) *Store {
	return &Store{q: tx, forUpdate: true}
}

func (s *Store) Create(ctx context.Context, rec *identity.Record) error {
	attachedDoc, err := codec.EncodeAttached(rec.Attached)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", rec.ID, err)
	}

	const q = `INSERT INTO identity_records (id, owner, active, created_at, updated_at, attached)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.q.ExecContext(ctx, q,
		rec.ID.String(), rec.Owner.String(), rec.Active,
		int64(rec.CreatedAt), int64(rec.UpdatedAt), attachedDoc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("identity %s: %w", rec.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create identity %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, identityID id.IdentityID) (*identity.Record, error) {
	q := `SELECT owner, active, created_at, updated_at, attached
		FROM identity_records WHERE id = $1`
	if s.forUpdate {
		q += " FOR UPDATE"
	}
	return s.scanRecord(s.q.QueryRowContext(ctx, q, identityID.String()), identityID)
}

func (s *Store) FindByOwner(ctx context.Context, owner id.Principal) (*identity.Record, error) {
	q := `SELECT id FROM identity_records WHERE owner = $1`
	if s.forUpdate {
		q += " FOR UPDATE"
	}
	var rawID string
	if err := s.q.QueryRowContext(ctx, q, owner.String()).Scan(&rawID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("owner %s: %w", owner, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve owner %s: %w", owner, err)
	}
	identityID, err := id.ParseIdentityID(rawID)
	if err != nil {
		return nil, fmt.Errorf("owner %s maps to malformed id %q: %w", owner, rawID, err)
	}
	return s.Find(ctx, identityID)
}

func (s *Store) Save(ctx context.Context, rec *identity.Record) error {
	attachedDoc, err := codec.EncodeAttached(rec.Attached)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", rec.ID, err)
	}

	const q = `UPDATE identity_records
		SET owner = $2, active = $3, updated_at = $4, attached = $5
		WHERE id = $1`
	res, err := s.q.ExecContext(ctx, q,
		rec.ID.String(), rec.Owner.String(), rec.Active,
		int64(rec.UpdatedAt), attachedDoc)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("owner %s already registered: %w", rec.Owner, sentinel.ErrConflict)
		}
		return fmt.Errorf("save identity %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save identity %s: %w", rec.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("identity %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) scanRecord(row *sql.Row, identityID id.IdentityID) (*identity.Record, error) {
	var (
		owner                string
		active               bool
		createdAt, updatedAt int64
		attachedDoc          []byte
	)
	if err := row.Scan(&owner, &active, &createdAt, &updatedAt, &attachedDoc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("identity %s: %w", identityID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}

	attachedStore, err := codec.DecodeAttached(attachedDoc)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}
	return &identity.Record{
		ID:        identityID,
		Owner:     id.Principal(owner),
		Active:    active,
		CreatedAt: id.LogicalTime(createdAt),
		UpdatedAt: id.LogicalTime(updatedAt),
		Attached:  attachedStore,
	}, nil
}
