package capability

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	id "idvault/pkg/domain"
	dErrors "idvault/pkg/domain-errors"
)

// Minter packages capabilities as signed tokens for the transport layer and
// validates tokens presented back. The engine-side substance checks (domain
// lists, identity binding, guardian-list membership) stay in the subsystem
// services; the minter only guarantees the token was not forged.
type Minter struct {
	signingKey []byte
	issuer     string

	mu      sync.RWMutex
	secrets map[id.Principal][]byte // issuer principal -> bcrypt hash
}

func NewMinter(signingKey string) *Minter {
	return &Minter{
		signingKey: []byte(signingKey),
		issuer:     "idvault",
		secrets:    make(map[id.Principal][]byte),
	}
}

// issuerClaims is the JWT shape for issuer capabilities.
type issuerClaims struct {
	IssuerName      string   `json:"issuer_name"`
	IssuerPrincipal string   `json:"issuer_principal"`
	AllowedDomains  []string `json:"allowed_domains"`
	jwt.RegisteredClaims
}

// guardianClaims is the JWT shape for guardian capabilities.
type guardianClaims struct {
	IdentityID string `json:"identity_id"`
	Guardian   string `json:"guardian"`
	jwt.RegisteredClaims
}

// adminClaims is the JWT shape for admin capabilities.
type adminClaims struct {
	AdminPrincipal string `json:"admin_principal"`
	jwt.RegisteredClaims
}

// RegisterIssuer stores a bcrypt hash of the issuer's secret. Minting an
// issuer capability later requires presenting the same secret.
func (m *Minter) RegisterIssuer(principal id.Principal, secret string) error {
	if secret == "" {
		return dErrors.New(dErrors.CodeValidation, "issuer secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash issuer secret")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[principal]; ok {
		return dErrors.New(dErrors.CodeConflict, "issuer already registered")
	}
	m.secrets[principal] = hash
	return nil
}

// MintIssuer checks the issuer secret and signs an issuer capability token.
func (m *Minter) MintIssuer(cap Issuer, secret string) (string, error) {
	m.mu.RLock()
	hash, ok := m.secrets[cap.IssuerPrincipal]
	m.mu.RUnlock()
	if !ok {
		return "", dErrors.New(dErrors.CodeUnauthorized, "issuer is not registered")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return "", dErrors.New(dErrors.CodeUnauthorized, "issuer secret mismatch")
	}

	domains := make([]string, 0, len(cap.AllowedDomains))
	for _, d := range cap.AllowedDomains {
		domains = append(domains, d.String())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, issuerClaims{
		IssuerName:      cap.IssuerName,
		IssuerPrincipal: cap.IssuerPrincipal.String(),
		AllowedDomains:  domains,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   m.issuer,
			ID:       uuid.NewString(),
		},
	})
	return token.SignedString(m.signingKey)
}

// MintGuardian signs a guardian capability token. The recovery service calls
// this when a guardian is added; delivery to the guardian's principal is the
// environment's concern.
func (m *Minter) MintGuardian(cap Guardian) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, guardianClaims{
		IdentityID: cap.IdentityID.String(),
		Guardian:   cap.Guardian.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   m.issuer,
			ID:       uuid.NewString(),
		},
	})
	return token.SignedString(m.signingKey)
}

// MintAdmin signs an admin capability token for the ownership-transfer
// mechanism. There is no HTTP route to this; admin tokens are provisioned out
// of band by whoever holds the signing key.
func (m *Minter) MintAdmin(cap Admin) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		AdminPrincipal: cap.AdminPrincipal.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   m.issuer,
			ID:       uuid.NewString(),
		},
	})
	return token.SignedString(m.signingKey)
}

// ValidateIssuer parses and verifies an issuer capability token.
func (m *Minter) ValidateIssuer(tokenString string) (Issuer, error) {
	var claims issuerClaims
	if err := m.parse(tokenString, &claims); err != nil {
		return Issuer{}, err
	}
	principal, err := id.ParsePrincipal(claims.IssuerPrincipal)
	if err != nil {
		return Issuer{}, dErrors.New(dErrors.CodeUnauthorized, "invalid issuer capability claims")
	}
	domains := make([]id.CredentialType, 0, len(claims.AllowedDomains))
	for _, d := range claims.AllowedDomains {
		domains = append(domains, id.CredentialType(d))
	}
	return Issuer{
		IssuerName:      claims.IssuerName,
		IssuerPrincipal: principal,
		AllowedDomains:  domains,
	}, nil
}

// ValidateGuardian parses and verifies a guardian capability token.
func (m *Minter) ValidateGuardian(tokenString string) (Guardian, error) {
	var claims guardianClaims
	if err := m.parse(tokenString, &claims); err != nil {
		return Guardian{}, err
	}
	identityID, err := id.ParseIdentityID(claims.IdentityID)
	if err != nil {
		return Guardian{}, dErrors.New(dErrors.CodeUnauthorized, "invalid guardian capability claims")
	}
	guardian, err := id.ParsePrincipal(claims.Guardian)
	if err != nil {
		return Guardian{}, dErrors.New(dErrors.CodeUnauthorized, "invalid guardian capability claims")
	}
	return Guardian{IdentityID: identityID, Guardian: guardian}, nil
}

// ValidateAdmin parses and verifies an admin capability token.
func (m *Minter) ValidateAdmin(tokenString string) (Admin, error) {
	var claims adminClaims
	if err := m.parse(tokenString, &claims); err != nil {
		return Admin{}, err
	}
	principal, err := id.ParsePrincipal(claims.AdminPrincipal)
	if err != nil {
		return Admin{}, dErrors.New(dErrors.CodeUnauthorized, "invalid admin capability claims")
	}
	return Admin{AdminPrincipal: principal}, nil
}

func (m *Minter) parse(tokenString string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeExpired, "capability token has expired")
		}
		return dErrors.New(dErrors.CodeUnauthorized, "invalid capability token")
	}
	if !parsed.Valid {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid capability token")
	}
	return nil
}
