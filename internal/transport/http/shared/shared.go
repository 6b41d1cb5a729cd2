// Package shared holds the JSON envelope helpers every handler uses.
package shared

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/requestcontext"
)

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError translates a coded domain error into the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	WriteJSON(w, dErrors.ToHTTPStatus(code), map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
}

// Decode parses a JSON request body into dst.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// CallerPrincipal returns the principal the middleware extracted, or a
// BadRequest error when the route requires one and none was sent.
func CallerPrincipal(r *http.Request) (id.Principal, error) {
	p := requestcontext.Principal(r.Context())
	if p == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "missing principal header")
	}
	return p, nil
}

// BearerToken extracts the capability token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", dErrors.New(dErrors.CodeUnauthorized, "missing bearer capability token")
	}
	return token, nil
}

// IdentityID parses the identity id path parameter value.
func IdentityID(raw string) (id.IdentityID, error) {
	return id.ParseIdentityID(raw)
}

// QueryLogicalTime parses the required logical_time query parameter. Logical
// time is caller-supplied on every call; the engine never consults a clock.
func QueryLogicalTime(r *http.Request) (id.LogicalTime, error) {
	raw := r.URL.Query().Get("logical_time")
	if raw == "" {
		return 0, dErrors.New(dErrors.CodeBadRequest, "missing logical_time query parameter")
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeBadRequest, "logical_time must be an unsigned integer")
	}
	return id.LogicalTime(n), nil
}
