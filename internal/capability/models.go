// Package capability models the unforgeable tokens the engine checks.
// Possession of a token, not membership in a mutable role table, is what
// authorizes issuer and guardian actions. The engine only inspects token
// contents; minting and delivery belong to the facility below.
package capability

import (
	id "idvault/pkg/domain"
)

// Issuer authorizes credential issuance for the listed domains.
type Issuer struct {
	IssuerName      string              `json:"issuer_name"`
	IssuerPrincipal id.Principal        `json:"issuer_principal"`
	AllowedDomains  []id.CredentialType `json:"allowed_domains"`
}

// AllowsDomain reports whether the capability covers credentialType. Linear
// scan; domain lists are short.
func (c Issuer) AllowsDomain(credentialType id.CredentialType) bool {
	for _, d := range c.AllowedDomains {
		if d == credentialType {
			return true
		}
	}
	return false
}

// Guardian proves guardian status for one identity. It is minted when a
// guardian is added and is not revoked when the guardian is removed; the
// recovery config's guardian list stays authoritative and both must agree
// at approval time, so a stale token is inert.
type Guardian struct {
	IdentityID id.IdentityID `json:"identity_id"`
	Guardian   id.Principal  `json:"guardian"`
}

// Admin authorizes the external ownership-transfer mechanism to apply a
// completed recovery outcome. Minted out of band for the operator principal;
// no HTTP surface mints admin tokens.
type Admin struct {
	AdminPrincipal id.Principal `json:"admin_principal"`
}
