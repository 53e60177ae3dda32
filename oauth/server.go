// Package oauth implements the OAuth 2.1 authorization server fronting the
// relay: dynamic client registration, the authorization-code grant with
// mandatory PKCE, refresh rotation, introspection and revocation. All state
// lives in the encrypted auth record store, so any replica can serve any
// leg of a flow.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/viant/mcprelay/authstore"
)

// Grant is the outcome of upstream user authentication.
type Grant struct {
	// UserID is the stable identifier keying session ownership.
	UserID string
	// UpstreamTokenStub is an opaque blob from the upstream IdP, stored on
	// the installation and never interpreted.
	UpstreamTokenStub string
}

// Authenticator resolves the end user approving an authorization request.
// Production deployments bridge to an upstream IdP; tests and development
// use StaticAuthenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Grant, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Grant, error)

// Authenticate invokes the function.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Grant, error) {
	return f(ctx, r)
}

// StaticAuthenticator approves every authorization as a fixed user.
type StaticAuthenticator string

// Authenticate returns the fixed user id.
func (s StaticAuthenticator) Authenticate(context.Context, *http.Request) (*Grant, error) {
	return &Grant{UserID: string(s)}, nil
}

// Server hosts the authorization endpoints.
type Server struct {
	records       *authstore.Store
	authenticator Authenticator
	// baseURI is the externally visible issuer identifier.
	baseURI string
	logger  *zap.Logger
}

// ServerOption mutates server settings.
type ServerOption func(s *Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the authorization server over the auth record store.
func NewServer(records *authstore.Store, authenticator Authenticator, baseURI string, options ...ServerOption) *Server {
	server := &Server{
		records:       records,
		authenticator: authenticator,
		baseURI:       baseURI,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		option(server)
	}
	return server
}

// Mount registers the authorization endpoints on the router. Paths are
// fixed at the root per the discovery metadata.
func (s *Server) Mount(router chi.Router) {
	router.Post("/register", s.handleRegister)
	router.Get("/authorize", s.handleAuthorize)
	router.Post("/token", s.handleToken)
	router.Post("/introspect", s.handleIntrospect)
	router.Post("/revoke", s.handleRevoke)
	router.Get("/.well-known/oauth-authorization-server", s.handleMetadata)
}

// Router builds a standalone router with the authorization endpoints.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	s.Mount(router)
	return router
}

// handleMetadata serves RFC 8414 authorization server metadata.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                s.baseURI,
		"authorization_endpoint":                s.baseURI + "/authorize",
		"token_endpoint":                        s.baseURI + "/token",
		"registration_endpoint":                 s.baseURI + "/register",
		"introspection_endpoint":                s.baseURI + "/introspect",
		"revocation_endpoint":                   s.baseURI + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{authstore.PKCEMethodS256},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	})
}

// randomToken produces a URL-safe opaque token.
func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(body)
	_, _ = w.Write(data)
}

// writeOAuthError answers with the RFC 6749 error body.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
