// Package handler exposes the capability facility over HTTP: issuer
// registration and issuer token minting. Guardian tokens are minted by the
// recovery subsystem, not here.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idvault/internal/capability"
	"idvault/internal/transport/http/shared"
	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Minter is the slice of the capability facility this handler needs.
type Minter interface {
	RegisterIssuer(principal id.Principal, secret string) error
	MintIssuer(cap capability.Issuer, secret string) (string, error)
}

type Handler struct {
	logger *slog.Logger
	minter Minter
}

func New(minter Minter, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, minter: minter}
}

// Register mounts the issuer facility routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/issuers", h.handleRegisterIssuer)
	r.Post("/issuers/token", h.handleMintIssuer)
}

type registerIssuerRequest struct {
	Secret string `json:"secret"`
}

// handleRegisterIssuer binds a shared secret to the calling principal.
// The principal header is the identity being registered; nobody can
// register a secret for someone else.
func (h *Handler) handleRegisterIssuer(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.CallerPrincipal(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req registerIssuerRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.minter.RegisterIssuer(principal, req.Secret); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type mintIssuerRequest struct {
	IssuerName     string   `json:"issuer_name"`
	AllowedDomains []string `json:"allowed_domains"`
	Secret         string   `json:"secret"`
}

func (h *Handler) handleMintIssuer(w http.ResponseWriter, r *http.Request) {
	principal, err := shared.CallerPrincipal(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req mintIssuerRequest
	if err := shared.Decode(r, &req); err != nil {
		shared.WriteError(w, err)
		return
	}
	if len(req.AllowedDomains) == 0 {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "allowed_domains must not be empty"))
		return
	}

	domains := make([]id.CredentialType, 0, len(req.AllowedDomains))
	for _, d := range req.AllowedDomains {
		domains = append(domains, id.CredentialType(d))
	}
	token, err := h.minter.MintIssuer(capability.Issuer{
		IssuerName:      req.IssuerName,
		IssuerPrincipal: principal,
		AllowedDomains:  domains,
	}, req.Secret)
	if err != nil {
		h.logger.WarnContext(r.Context(), "issuer token mint failed",
			"issuer", principal.String(),
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{"issuer_token": token})
}
