// Package handler exposes the credential subsystem over HTTP. Issuer
// operations authenticate with a bearer capability token; owner operations
// use the trusted principal header.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvault/internal/capability"
	"idvault/internal/credential"
	"idvault/internal/transport/http/shared"
	id "idvault/pkg/domain"
)

// Service is the slice of the credential service this handler needs.
type Service interface {
	Issue(ctx context.Context, issuerCap capability.Issuer, identityID id.IdentityID, req credential.IssueRequest, now id.LogicalTime) error
	Revoke(ctx context.Context, issuerCap capability.Issuer, identityID id.IdentityID, credentialType id.CredentialType, now id.LogicalTime) error
	Delete(ctx context.Context, caller id.Principal, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, now id.LogicalTime) error
	HasValidCredential(ctx context.Context, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, now id.LogicalTime) (bool, error)
	GetCredentialData(ctx context.Context, identityID id.IdentityID, credentialType id.CredentialType, issuer id.Principal, caller id.Principal) ([]byte, error)
	GetAllCredentialRefs(ctx context.Context, identityID id.IdentityID) ([]credential.Ref, error)
	GetAllCredentials(ctx context.Context, identityID id.IdentityID) ([]credential.Entry, error)
	GetCredentialsByIssuer(ctx context.Context, identityID id.IdentityID, issuer id.Principal) ([]credential.Entry, error)
	CountValid(ctx context.Context, identityID id.IdentityID, now id.LogicalTime) (int, error)
}

// CapabilityValidator verifies issuer capability bearer tokens.
type CapabilityValidator interface {
	ValidateIssuer(tokenString string) (capability.Issuer, error)
}

type Handler struct {
	logger    *slog.Logger
	service   Service
	validator CapabilityValidator
}

func New(service Service, validator CapabilityValidator, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service, validator: validator}
}

// Register mounts the credential routes under one identity.
func (h *Handler) Register(r chi.Router) {
	r.Route("/identities/{identityID}/credentials", func(r chi.Router) {
		r.Post("/", h.handleIssue)
		r.Get("/", h.handleGetAll)
		r.Get("/refs", h.handleGetRefs)
		r.Get("/count", h.handleCount)
		r.Post("/{type}/revoke", h.handleRevoke)
		r.Delete("/{type}", h.handleDelete)
		r.Get("/{type}/valid", h.handleCheckValid)
		r.Get("/{type}/data", h.handleGetData)
	})
}

// issuerCapability authenticates the bearer token into an issuer capability.
func (h *Handler) issuerCapability(r *http.Request) (capability.Issuer, error) {
	token, err := shared.BearerToken(r)
	if err != nil {
		return capability.Issuer{}, err
	}
	return h.validator.ValidateIssuer(token)
}

type issueRequest struct {
	Type        string          `json:"type"`
	Data        []byte          `json:"data,omitempty"`
	Metadata    []byte          `json:"metadata,omitempty"`
	Expiration  *id.LogicalTime `json:"expiration,omitempty"`
	LogicalTime id.LogicalTime  `json:"logical_time"`
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	issuerCap, err := h.issuerCapability(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req issueRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	err = h.service.Issue(r.Context(), issuerCap, identityID, credential.IssueRequest{
		Type:       id.CredentialType(req.Type),
		Data:       req.Data,
		Metadata:   req.Metadata,
		Expiration: req.Expiration,
	}, req.LogicalTime)
	if err != nil {
		h.logger.WarnContext(r.Context(), "credential issuance failed",
			"credential_type", req.Type,
			"issuer", issuerCap.IssuerPrincipal.String(),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeRequest struct {
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	issuerCap, err := h.issuerCapability(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req revokeRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	credType := id.CredentialType(chi.URLParam(r, "type"))
	if err := h.service.Revoke(r.Context(), issuerCap, identityID, credType, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
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
	issuer, err := id.ParsePrincipal(r.URL.Query().Get("issuer"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	credType := id.CredentialType(chi.URLParam(r, "type"))
	if err := h.service.Delete(r.Context(), caller, identityID, credType, issuer, now); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheckValid(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	issuer, err := id.ParsePrincipal(r.URL.Query().Get("issuer"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	now, err := shared.QueryLogicalTime(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	valid, err := h.service.HasValidCredential(r.Context(), identityID, id.CredentialType(chi.URLParam(r, "type")), issuer, now)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *Handler) handleGetData(w http.ResponseWriter, r *http.Request) {
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
	issuer, err := id.ParsePrincipal(r.URL.Query().Get("issuer"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	data, err := h.service.GetCredentialData(r.Context(), identityID, id.CredentialType(chi.URLParam(r, "type")), issuer, caller)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (h *Handler) handleGetAll(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	var entries []credential.Entry
	if raw := r.URL.Query().Get("issuer"); raw != "" {
		entries, err = h.service.GetCredentialsByIssuer(r.Context(), identityID, id.Principal(raw))
	} else {
		entries, err = h.service.GetAllCredentials(r.Context(), identityID)
	}
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"credentials": entries})
}

func (h *Handler) handleGetRefs(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	refs, err := h.service.GetAllCredentialRefs(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"refs": refs})
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
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
	count, err := h.service.CountValid(r.Context(), identityID, now)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]int{"valid": count})
}
