// Package handler exposes the identity lifecycle over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvault/internal/capability"
	"idvault/internal/identity"
	"idvault/internal/transport/http/shared"
	id "idvault/pkg/domain"
	"idvault/pkg/requestcontext"
)

// Service is the slice of the identity service this handler needs.
type Service interface {
	Register(ctx context.Context, owner id.Principal, now id.LogicalTime) (identity.Info, error)
	Deactivate(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error
	Reactivate(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error
	Get(ctx context.Context, identityID id.IdentityID) (identity.Info, error)
	GetByOwner(ctx context.Context, owner id.Principal) (identity.Info, error)
	ApplyOwnershipTransfer(ctx context.Context, identityID id.IdentityID, newOwner id.Principal, now id.LogicalTime) error
}

// CapabilityValidator checks the admin bearer token presented on the
// ownership-transfer route.
type CapabilityValidator interface {
	ValidateAdmin(token string) (capability.Admin, error)
}

type Handler struct {
	logger    *slog.Logger
	service   Service
	validator CapabilityValidator
}

func New(service Service, validator CapabilityValidator, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service, validator: validator}
}

// Register mounts the identity routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/identities", h.handleRegister)
	r.Get("/identities", h.handleGetByOwner)
	r.Get("/identities/{identityID}", h.handleGet)
	r.Post("/identities/{identityID}/deactivate", h.handleDeactivate)
	r.Post("/identities/{identityID}/reactivate", h.handleReactivate)
	r.Put("/identities/{identityID}/owner", h.handleOwnershipTransfer)
}

type infoResponse struct {
	ID        string         `json:"id"`
	Owner     string         `json:"owner"`
	Active    bool           `json:"active"`
	CreatedAt id.LogicalTime `json:"created_at"`
	UpdatedAt id.LogicalTime `json:"updated_at"`
}

func toInfoResponse(info identity.Info) infoResponse {
	return infoResponse{
		ID:        info.ID.String(),
		Owner:     info.Owner.String(),
		Active:    info.Active,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
}

type registerRequest struct {
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	owner, err := shared.CallerPrincipal(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req registerRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}

	info, err := h.service.Register(r.Context(), owner, req.LogicalTime)
	if err != nil {
		h.logger.WarnContext(r.Context(), "register failed",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(r.Context()),
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, toInfoResponse(info))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	info, err := h.service.Get(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toInfoResponse(info))
}

func (h *Handler) handleGetByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := id.ParsePrincipal(r.URL.Query().Get("owner"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	info, err := h.service.GetByOwner(r.Context(), owner)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toInfoResponse(info))
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.flipActivation(w, r, h.service.Deactivate)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	h.flipActivation(w, r, h.service.Reactivate)
}

func (h *Handler) flipActivation(w http.ResponseWriter, r *http.Request, op func(context.Context, id.Principal, id.IdentityID, id.LogicalTime) error) {
	caller, err := shared.CallerPrincipal(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req registerRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := op(r.Context(), caller, identityID, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ownershipTransferRequest struct {
	NewOwner    string         `json:"new_owner"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

// handleOwnershipTransfer is the write path the external ownership-transfer
// mechanism calls after a completed recovery. It is gated on an admin
// capability bearer token; no principal header or ownership check applies
// because the previous owner is exactly who a recovery replaces.
func (h *Handler) handleOwnershipTransfer(w http.ResponseWriter, r *http.Request) {
	token, err := shared.BearerToken(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	admin, err := h.validator.ValidateAdmin(token)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req ownershipTransferRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	newOwner, err := id.ParsePrincipal(req.NewOwner)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.ApplyOwnershipTransfer(r.Context(), identityID, newOwner, req.LogicalTime); err != nil {
		h.logger.WarnContext(r.Context(), "ownership transfer failed",
			"identity_id", identityID.String(),
			"admin", admin.AdminPrincipal.String(),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "ownership transferred",
		"identity_id", identityID.String(),
		"admin", admin.AdminPrincipal.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}
