// Package authstore persists OAuth records encrypted at rest. Every record is
// addressed by an opaque identifier; the store key is a hash of it and the
// value is sealed with a key derived from it, so possession of the identifier
// is required to decrypt.
package authstore

import "time"

// Record TTLs. The hierarchy pending <= installation <= client is relied on
// by token issuance: an installation never outlives its client registration.
const (
	ClientTTL       = 30 * 24 * time.Hour
	PendingTTL      = 10 * time.Minute
	ExchangeTTL     = 10 * time.Minute
	InstallationTTL = 7 * 24 * time.Hour
	RefreshTTL      = InstallationTTL
)

// PKCEMethodS256 is the only accepted code challenge method.
const PKCEMethodS256 = "S256"

// ClientRegistration represents a registered OAuth client.
type ClientRegistration struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	ClientName   string    `json:"clientName"`
	RedirectURIs []string  `json:"redirectUris"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, candidate := range c.RedirectURIs {
		if candidate == uri {
			return true
		}
	}
	return false
}

// PendingAuthorization tracks the state between /authorize and /token,
// keyed by the single-use authorization code. UserID is recorded once the
// upstream authentication approves the attempt.
type PendingAuthorization struct {
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	CodeChallenge       string    `json:"codeChallenge"`
	CodeChallengeMethod string    `json:"codeChallengeMethod"`
	State               string    `json:"state,omitempty"`
	UserID              string    `json:"userId,omitempty"`
	UpstreamTokenStub   string    `json:"upstreamTokenStub,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// TokenExchange is the one-shot record produced when the user approves an
// authorization. It is keyed by the same authorization code as the pending
// record; AlreadyUsed flips exactly once via compare-and-set.
type TokenExchange struct {
	AccessToken string `json:"accessToken"`
	AlreadyUsed bool   `json:"alreadyUsed"`
}

// Installation is an authorized session of a user on a client, keyed by the
// access token.
type Installation struct {
	UserID       string    `json:"userId"`
	ClientID     string    `json:"clientId"`
	IssuedAt     time.Time `json:"issuedAt"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	// UpstreamTokenStub is an opaque blob identifying the upstream IdP's view
	// of the user; the core never interprets it.
	UpstreamTokenStub string `json:"upstreamTokenStub,omitempty"`
	ExpiresIn         int64  `json:"expiresIn"`
}
