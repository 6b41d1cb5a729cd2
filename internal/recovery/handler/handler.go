// Package handler exposes the recovery subsystem over HTTP. Guardian
// approvals authenticate with a bearer capability token; owner operations
// use the trusted principal header.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvault/internal/capability"
	"idvault/internal/recovery"
	"idvault/internal/transport/http/shared"
	id "idvault/pkg/domain"
)

// Service is the slice of the recovery service this handler needs.
type Service interface {
	Configure(ctx context.Context, caller id.Principal, identityID id.IdentityID, cfg recovery.Config, now id.LogicalTime) (map[id.Principal]string, error)
	AddGuardian(ctx context.Context, caller id.Principal, identityID id.IdentityID, guardian id.Principal, now id.LogicalTime) (string, error)
	RemoveGuardian(ctx context.Context, caller id.Principal, identityID id.IdentityID, guardian id.Principal, now id.LogicalTime) error
	UpdateThreshold(ctx context.Context, caller id.Principal, identityID id.IdentityID, threshold int, now id.LogicalTime) error
	UpdateTimelock(ctx context.Context, caller id.Principal, identityID id.IdentityID, timelock id.LogicalDuration, now id.LogicalTime) error
	UpdateEmergencyAddress(ctx context.Context, caller id.Principal, identityID id.IdentityID, emergency *id.Principal, now id.LogicalTime) error
	Initiate(ctx context.Context, caller id.Principal, identityID id.IdentityID, newOwner id.Principal, validity id.LogicalDuration, now id.LogicalTime) error
	Approve(ctx context.Context, caller id.Principal, identityID id.IdentityID, cap capability.Guardian, now id.LogicalTime) error
	Complete(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) (recovery.Outcome, error)
	Cancel(ctx context.Context, caller id.Principal, identityID id.IdentityID, now id.LogicalTime) error
	GetConfig(ctx context.Context, identityID id.IdentityID) (recovery.Config, error)
	GetRequest(ctx context.Context, identityID id.IdentityID) (recovery.Request, error)
	GetState(ctx context.Context, identityID id.IdentityID) (recovery.State, error)
}

// CapabilityValidator verifies guardian capability bearer tokens.
type CapabilityValidator interface {
	ValidateGuardian(tokenString string) (capability.Guardian, error)
}

type Handler struct {
	logger    *slog.Logger
	service   Service
	validator CapabilityValidator
}

func New(service Service, validator CapabilityValidator, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: service, validator: validator}
}

// Register mounts the recovery routes under one identity.
func (h *Handler) Register(r chi.Router) {
	r.Route("/identities/{identityID}/recovery", func(r chi.Router) {
		r.Put("/config", h.handleConfigure)
		r.Get("/config", h.handleGetConfig)
		r.Put("/config/threshold", h.handleUpdateThreshold)
		r.Put("/config/timelock", h.handleUpdateTimelock)
		r.Put("/config/emergency", h.handleUpdateEmergency)
		r.Post("/guardians", h.handleAddGuardian)
		r.Delete("/guardians/{guardian}", h.handleRemoveGuardian)
		r.Post("/initiate", h.handleInitiate)
		r.Post("/approve", h.handleApprove)
		r.Post("/complete", h.handleComplete)
		r.Post("/cancel", h.handleCancel)
		r.Get("/request", h.handleGetRequest)
		r.Get("/state", h.handleGetState)
	})
}

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

type configureRequest struct {
	Guardians   []string       `json:"guardians"`
	Threshold   int            `json:"threshold"`
	Timelock    uint64         `json:"timelock"`
	Emergency   *string        `json:"emergency,omitempty"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req configureRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}

	guardians := make([]id.Principal, 0, len(req.Guardians))
	for _, g := range req.Guardians {
		guardians = append(guardians, id.Principal(g))
	}
	cfg := recovery.Config{
		Guardians: guardians,
		Threshold: req.Threshold,
		Timelock:  id.LogicalDuration(req.Timelock),
	}
	if req.Emergency != nil {
		emergency := id.Principal(*req.Emergency)
		cfg.Emergency = &emergency
	}

	tokens, err := h.service.Configure(r.Context(), caller, identityID, cfg, req.LogicalTime)
	if err != nil {
		h.logger.WarnContext(r.Context(), "recovery configuration failed",
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	out := make(map[string]string, len(tokens))
	for guardian, token := range tokens {
		out[guardian.String()] = token
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"guardian_tokens": out})
}

type guardianRequest struct {
	Guardian    string         `json:"guardian"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleAddGuardian(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req guardianRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	token, err := h.service.AddGuardian(r.Context(), caller, identityID, id.Principal(req.Guardian), req.LogicalTime)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, map[string]string{"guardian_token": token})
}

func (h *Handler) handleRemoveGuardian(w http.ResponseWriter, r *http.Request) {
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
	guardian := id.Principal(chi.URLParam(r, "guardian"))
	if err := h.service.RemoveGuardian(r.Context(), caller, identityID, guardian, now); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type thresholdRequest struct {
	Threshold   int            `json:"threshold"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleUpdateThreshold(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req thresholdRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.UpdateThreshold(r.Context(), caller, identityID, req.Threshold, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type timelockRequest struct {
	Timelock    uint64         `json:"timelock"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleUpdateTimelock(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req timelockRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.UpdateTimelock(r.Context(), caller, identityID, id.LogicalDuration(req.Timelock), req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type emergencyRequest struct {
	Emergency   *string        `json:"emergency"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleUpdateEmergency(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req emergencyRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	var emergency *id.Principal
	if req.Emergency != nil {
		p := id.Principal(*req.Emergency)
		emergency = &p
	}
	if err := h.service.UpdateEmergencyAddress(r.Context(), caller, identityID, emergency, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type initiateRequest struct {
	NewOwner    string         `json:"new_owner"`
	Validity    uint64         `json:"validity"`
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req initiateRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	err = h.service.Initiate(r.Context(), caller, identityID, id.Principal(req.NewOwner), id.LogicalDuration(req.Validity), req.LogicalTime)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type approveRequest struct {
	LogicalTime id.LogicalTime `json:"logical_time"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	token, err := shared.BearerToken(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	cap, err := h.validator.ValidateGuardian(token)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req approveRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.Approve(r.Context(), caller, identityID, cap, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	LogicalTime id.LogicalTime `json:"logical_time"`
}

type outcomeResponse struct {
	IdentityID  string         `json:"identity_id"`
	NewOwner    string         `json:"new_owner"`
	Approvals   []string       `json:"approvals"`
	InitiatedAt id.LogicalTime `json:"initiated_at"`
	CompletedAt id.LogicalTime `json:"completed_at"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req completeRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	outcome, err := h.service.Complete(r.Context(), caller, identityID, req.LogicalTime)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	approvals := make([]string, 0, len(outcome.Approvals))
	for _, a := range outcome.Approvals {
		approvals = append(approvals, a.String())
	}
	shared.WriteJSON(w, http.StatusOK, outcomeResponse{
		IdentityID:  outcome.IdentityID.String(),
		NewOwner:    outcome.NewOwner.String(),
		Approvals:   approvals,
		InitiatedAt: outcome.InitiatedAt,
		CompletedAt: outcome.CompletedAt,
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, identityID, err := h.mutationScope(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req completeRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.Cancel(r.Context(), caller, identityID, req.LogicalTime); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	cfg, err := h.service.GetConfig(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := h.service.GetRequest(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	identityID, err := shared.IdentityID(chi.URLParam(r, "identityID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	state, err := h.service.GetState(r.Context(), identityID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}
