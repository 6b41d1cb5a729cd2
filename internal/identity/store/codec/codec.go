// Package codec serializes identity records, including their attached
// store, for the redis and postgres stores. The attached store holds typed
// values keyed by subsystem namespace; decoding switches on the namespace to
// rebuild the concrete types.
package codec

import (
	"encoding/json"
	"fmt"

	"idvault/internal/attached"
	"idvault/internal/credential"
	"idvault/internal/identity"
	"idvault/internal/permission"
	"idvault/internal/recovery"
	id "idvault/pkg/domain"
	"idvault/pkg/platform/sentinel"
)

type recordDoc struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	Active    bool       `json:"active"`
	CreatedAt uint64     `json:"created_at"`
	UpdatedAt uint64     `json:"updated_at"`
	Attached  []entryDoc `json:"attached"`
}

type entryDoc struct {
	Namespace string          `json:"namespace"`
	Sub       string          `json:"sub,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// Encode marshals a record to its JSON document form.
func Encode(rec *identity.Record) ([]byte, error) {
	entries, err := attachedDocs(rec.Attached)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordDoc{
		ID:        rec.ID.String(),
		Owner:     rec.Owner.String(),
		Active:    rec.Active,
		CreatedAt: uint64(rec.CreatedAt),
		UpdatedAt: uint64(rec.UpdatedAt),
		Attached:  entries,
	})
}

// EncodeAttached marshals just the attached store, for backends that keep
// record fields in columns of their own.
func EncodeAttached(store *attached.Store) ([]byte, error) {
	entries, err := attachedDocs(store)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// DecodeAttached is the inverse of EncodeAttached.
func DecodeAttached(data []byte) (*attached.Store, error) {
	var entries []entryDoc
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode attached set: %w", err)
		}
	}
	return rebuildAttached(entries)
}

func attachedDocs(store *attached.Store) ([]entryDoc, error) {
	entries := make([]entryDoc, 0, store.Len())
	var encodeErr error
	store.Range(func(key attached.Key, value any) bool {
		raw, err := json.Marshal(value)
		if err != nil {
			encodeErr = fmt.Errorf("encode attached %s: %w", key, err)
			return false
		}
		entries = append(entries, entryDoc{
			Namespace: key.Namespace,
			Sub:       key.Sub,
			Value:     raw,
		})
		return true
	})
	if encodeErr != nil {
		return nil, encodeErr
	}
	return entries, nil
}

// Decode rebuilds a record from its JSON document form.
func Decode(data []byte) (*identity.Record, error) {
	var doc recordDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode identity record: %w", err)
	}

	identityID, err := id.ParseIdentityID(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("decode identity id: %w", err)
	}

	store, err := rebuildAttached(doc.Attached)
	if err != nil {
		return nil, err
	}

	return &identity.Record{
		ID:        identityID,
		Owner:     id.Principal(doc.Owner),
		Active:    doc.Active,
		CreatedAt: id.LogicalTime(doc.CreatedAt),
		UpdatedAt: id.LogicalTime(doc.UpdatedAt),
		Attached:  store,
	}, nil
}

func rebuildAttached(entries []entryDoc) (*attached.Store, error) {
	store := attached.New()
	for _, entry := range entries {
		value, err := decodeValue(entry)
		if err != nil {
			return nil, err
		}
		key := attached.Key{Namespace: entry.Namespace, Sub: entry.Sub}
		if err := store.Add(key, value); err != nil {
			return nil, fmt.Errorf("decode attached %s: %w", key, err)
		}
	}
	return store, nil
}

// decodeValue maps a namespace to its concrete attached type. An unknown
// namespace means the stored document came from a newer engine; refuse it
// rather than silently dropping state.
func decodeValue(entry entryDoc) (any, error) {
	var value any
	switch entry.Namespace {
	case permission.Namespace:
		value = &permission.Entry{}
	case permission.IndexNamespace:
		value = &permission.AppIndex{}
	case credential.Namespace:
		value = &credential.Entry{}
	case credential.IndexNamespace:
		value = &credential.Registry{}
	case recovery.ConfigNamespace:
		value = &recovery.Config{}
	case recovery.RequestNamespace:
		value = &recovery.Request{}
	default:
		return nil, fmt.Errorf("unknown attached namespace %q: %w", entry.Namespace, sentinel.ErrInvalidState)
	}
	if err := json.Unmarshal(entry.Value, value); err != nil {
		return nil, fmt.Errorf("decode attached %s value: %w", entry.Namespace, err)
	}
	return value, nil
}
