package auth

import (
	"context"
	"fmt"
	"time"
)

// Identity represents the authenticated principal behind a bearer token.
type Identity struct {
	// Token is the presented access token; redacted by String.
	Token string
	// UserID identifies the end user on whose behalf the token was issued.
	UserID string
	// ClientID identifies the OAuth client the token was issued to.
	ClientID string
	// Scopes granted to the token.
	Scopes []string
	// ExpiresAt is the token expiry, zero when the validator did not report one.
	ExpiresAt time.Time
}

// String redacts the token so identities are safe to log.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{UserID:%q, ClientID:%q}", i.UserID, i.ClientID)
}

// identityKey is an empty struct so the context key cannot collide with keys
// from other packages.
type identityKey struct{}

// WithIdentity stores an identity in the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok
}
