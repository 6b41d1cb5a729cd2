// Package handler exposes the permission subsystem over HTTP. All routes
// hang off the identity they operate on; the caller principal comes from the
// trusted principal header.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvault/internal/permission"
	"idvault/internal/transport/http/shared"
	id "idvault/pkg/domain"
)

// Service is the slice of the permission service this handler needs.
type Service interface {
	Grant(ctx context.Context, caller id.Principal, identityID id.IdentityID, req permission.GrantRequest, now id.LogicalTime) error
	Revoke(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, now id.LogicalTime) error
	AddScope(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) error
	RemoveScope(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) error
	UpdateExpiration(ctx context.Context, caller id.Principal, identityID id.IdentityID, appID id.AppID, expiration *id.LogicalTime, now id.LogicalTime) error
	HasPermission(ctx context.Context, identityID id.IdentityID, appID id.AppID, scope string, now id.LogicalTime) (bool, error)
	HasAnyPermission(ctx context.Context, identityID id.IdentityID, appID id.AppID, now id.LogicalTime) (bool, error)
	GetPermissionInfo(ctx context.Context, identityID id.IdentityID, appID id.AppID) (permission.Entry, error)
	GetAllPermissions(ctx context.Context, identityID id.IdentityID) ([]permission.Entry, error)
	GetPermissionsByStatus(ctx context.Context, identityID id.IdentityID, now id.LogicalTime) (active, expired []permission.Entry, err error)
	ClearAllPermissions(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error
	ClearExpiredPermissions(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error
}

type Handler struct {
	logger  *slog.Logger
	service Service
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service}
}

// Register mounts the permission routes under one identity.
func (h *Handler) Register(r chi.Router) {
	r.Route("/identities/{identityID}/permissions", func(r chi.Router) {
		r.Post("/", h.handleGrant)
		r.Get("/", h.handleGetAll)
		r.Get("/status", h.handleGetByStatus)
		r.Post("/clear", h.handleClear)
		r.Get("/{appID}", h.handleGetInfo)
		r.Delete("/{appID}", h.handleRevoke)
		r.Get("/{appID}/check", h.handleCheck)
		r.Post("/{appID}/scopes", h.handleAddScope)
		r.Delete("/{appID}/scopes/{scope}", h.handleRemoveScope)
		r.Put("/{appID}/expiration", h.handleUpdateExpiration)
	})
}

// mutationScope bundles the values every write route starts from.
func (h *Handler) mutationScope(r *http.Request) (id.Principal, id.IdentityID, error) {
	caller, err := shared.CallerPrincipal(r)
	if err != nil {
		return "", id.IdentityID{}, err
	}
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		return "", id.IdentityID{}, err
	}
	return caller, identityID, nil
}

type grantRequest struct {
	AppID       string          `json:"app_id"`
	AppName     string          `json:"app_name"`
	Scopes      []string        `json:"scopes"`
	Expiration  *id.LogicalTime `json:"expiration,omitempty"`
	AppURL      string          `json:"app_url,omitempty"`
	AppIconURL  string          `json:"app_icon_url,omitempty"`
	LogicalTime id.LogicalTime  `json:"logical_time"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req grantRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	err = h.service.Grant(r.Context(), caller, identityID, permission.GrantRequest{
		AppID:      id.AppID(req.AppID),
		AppName:    req.AppName,
		Scopes:     req.Scopes,
		Expiration: req.Expiration,
		AppURL:     req.AppURL,
		AppIconURL: req.AppIconURL,
	}, req.LogicalTime)
	if err != nil {
		h.logger.WarnContext(r.Context(), "grant failed",
			"app_id", req.AppID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.Revoke(r.Context(), caller, identityID, id.AppID(chi.URLParam(r, "appID")), now); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scopeRequest struct {
	Scope       string         `json:"scope"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleAddScope(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req scopeRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.AddScope(r.Context(), caller, identityID, id.AppID(chi.URLParam(r, "appID")), req.Scope, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveScope(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	err = h.service.RemoveScope(r.Context(), caller, identityID,
		id.AppID(chi.URLParam(r, "appID")), chi.URLParam(r, "scope"), now)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expirationRequest struct {
	Expiration  *id.LogicalTime `json:"expiration"`
	LogicalTime id.LogicalTime  `json:"logical_time"`
}

func (h *Handler) handleUpdateExpiration(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req expirationRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.UpdateExpiration(r.Context(), caller, identityID, id.AppID(chi.URLParam(r, "appID")), req.Expiration, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	appID := id.AppID(chi.URLParam(r, "appID"))

	var granted bool
	if scope := r.URL.Query().Get("scope"); scope != "" {
		granted, err = h.service.HasPermission(r.Context(), identityID, appID, scope, now)
	} else {
		granted, err = h.service.HasAnyPermission(r.Context(), identityID, appID, now)
	}
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (h *Handler) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	entry, err := h.service.GetPermissionInfo(r.Context(), identityID, id.AppID(chi.URLParam(r, "appID")))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleGetAll(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	entries, err := h.service.GetAllPermissions(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"permissions": entries})
}

func (h *Handler) handleGetByStatus(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	active, expired, err := h.service.GetPermissionsByStatus(r.Context(), identityID, now)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"active": active, "expired": expired})
}

type clearRequest struct {
	ExpiredOnly bool           `json:"expired_only"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req clearRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if req.ExpiredOnly {
		err = h.service.ClearExpiredPermissions(r.Context(), caller, identityID, req.LogicalTime)
	} else {
		err = h.service.ClearAllPermissions(r.Context(), caller, identityID, req.LogicalTime)
	}
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
