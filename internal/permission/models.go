// Package permission manages per-application access grants stored in the
// identity's attached store: one entry per app id plus an explicit app-id
// index, because the attached store has no enumeration primitive.
package permission

import (
	"idvault/internal/attached"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	pkgstrings "idvault/pkg/platform/strings"
)

// Attached-store namespaces owned by this subsystem. The persistence codec
// switches on these to decode entries.
const (
	Namespace      = "permission"
	IndexNamespace = "permission_index"
)

// EntryKey addresses the grant for one application.
func EntryKey(appID id.AppID) attached.Key {
	return attached.Key{Namespace: Namespace, Sub: appID.String()}
}

// IndexKey addresses the app-id index list.
func IndexKey() attached.Key {
	return attached.Key{Namespace: IndexNamespace}
}

// Entry is the grant held by one application.
//
// Invariants:
//   - Scopes holds no duplicates and no blank strings
//   - Expiration, when set, is checked lazily at query time; an expired
//     entry persists until explicitly revoked or cleared
//   - The entry exists iff its app id is in the AppIndex
type Entry struct {
	AppID      id.AppID        `json:"app_id"`
	AppName    string          `json:"app_name"`
	Scopes     []string        `json:"scopes"`
	Expiration *id.LogicalTime `json:"expiration,omitempty"`
	GrantedAt  id.LogicalTime  `json:"granted_at"`
	AppURL     string          `json:"app_url,omitempty"`
	AppIconURL string          `json:"app_icon_url,omitempty"`
}

// IsExpired reports whether the entry's expiration has passed. Entries with
// no expiration never expire.
func (e *Entry) IsExpired(now id.LogicalTime) bool {
	return e.Expiration != nil && now.After(*e.Expiration)
}

// HasScope reports exact scope membership. It does not consider expiration;
// callers check IsExpired first.
func (e *Entry) HasScope(scope string) bool {
	return pkgstrings.Contains(e.Scopes, scope)
}

// AddScope appends scope unless already present. Idempotent.
func (e *Entry) AddScope(scope string) {
	if !e.HasScope(scope) {
		e.Scopes = append(e.Scopes, scope)
	}
}

// RemoveScope fails when the scope is not granted.
func (e *Entry) RemoveScope(scope string) error {
	for i, s := range e.Scopes {
		if s == scope {
			e.Scopes = append(e.Scopes[:i], e.Scopes[i+1:]...)
			return nil
		}
	}
	return dErrors.New(dErrors.CodeNotFound, "scope not granted: "+scope)
}

// AppIndex is the ordered list of app ids with live entries. It is a derived
// structure with no independent truth: every entry insert/remove updates it
// in the same operation.
type AppIndex struct {
	AppIDs []id.AppID `json:"app_ids"`
}

func (x *AppIndex) Contains(appID id.AppID) bool {
	for _, a := range x.AppIDs {
		if a == appID {
			return true
		}
	}
	return false
}

func (x *AppIndex) Append(appID id.AppID) {
	if !x.Contains(appID) {
		x.AppIDs = append(x.AppIDs, appID)
	}
}

func (x *AppIndex) Remove(appID id.AppID) {
	for i, a := range x.AppIDs {
		if a == appID {
			x.AppIDs = append(x.AppIDs[:i], x.AppIDs[i+1:]...)
			return
		}
	}
}

// Snapshot copies the id list so bulk operations can iterate while the
// underlying index mutates.
func (x *AppIndex) Snapshot() []id.AppID {
	return append([]id.AppID{}, x.AppIDs...)
}
