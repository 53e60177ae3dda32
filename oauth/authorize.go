package oauth

import (
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viant/mcprelay/authstore"
)

// registration is the dynamic client registration request body (RFC 7591
// subset).
type registration struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// handleRegister issues client credentials for the supplied metadata.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	request := &registration{}
	if err := json.NewDecoder(r.Body).Decode(request); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration body")
		return
	}
	if len(request.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris must not be empty")
		return
	}
	secret, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client := &authstore.ClientRegistration{
		ClientID:     uuid.New().String(),
		ClientSecret: secret,
		ClientName:   request.ClientName,
		RedirectURIs: request.RedirectURIs,
		IssuedAt:     time.Now(),
	}
	if err := s.records.PutClient(r.Context(), client); err != nil {
		s.logger.Error("failed to store client registration", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("client registered",
		zap.String("clientId", client.ClientID), zap.String("clientName", client.ClientName))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":     client.ClientID,
		"client_secret": client.ClientSecret,
		"client_name":   client.ClientName,
		"redirect_uris": client.RedirectURIs,
	})
}

// handleAuthorize validates the authorization request, authenticates the
// user and redirects back with a single-use code. Errors about client_id or
// redirect_uri render in-page; once the redirect URI is trusted, errors
// travel back on it with the state echoed.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	state := query.Get("state")

	client, err := s.records.GetClient(r.Context(), clientID)
	if err != nil {
		s.renderAuthorizeError(w, "unknown client_id")
		return
	}
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		s.renderAuthorizeError(w, "redirect_uri is not registered for this client")
		return
	}

	if query.Get("response_type") != "code" {
		s.redirectError(w, r, redirectURI, state, "unsupported_response_type")
		return
	}
	challenge := query.Get("code_challenge")
	if challenge == "" {
		s.redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}
	if query.Get("code_challenge_method") != authstore.PKCEMethodS256 {
		s.redirectError(w, r, redirectURI, state, "invalid_request")
		return
	}

	grant, err := s.authenticator.Authenticate(r.Context(), r)
	if err != nil || grant == nil || grant.UserID == "" {
		s.redirectError(w, r, redirectURI, state, "access_denied")
		return
	}

	code, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	accessToken, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pending := &authstore.PendingAuthorization{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: authstore.PKCEMethodS256,
		State:               state,
		UserID:              grant.UserID,
		UpstreamTokenStub:   grant.UpstreamTokenStub,
		CreatedAt:           time.Now(),
	}
	if err := s.records.PutPending(r.Context(), code, pending); err != nil {
		s.logger.Error("failed to store pending authorization", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	exchange := &authstore.TokenExchange{AccessToken: accessToken}
	if err := s.records.PutExchange(r.Context(), code, exchange); err != nil {
		s.logger.Error("failed to store token exchange", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("authorization code issued",
		zap.String("clientId", clientID), zap.String("userId", grant.UserID))

	location, _ := url.Parse(redirectURI)
	values := location.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	location.RawQuery = values.Encode()
	http.Redirect(w, r, location.String(), http.StatusFound)
}

// renderAuthorizeError answers in-page; client_id and redirect_uri failures
// must never redirect.
func (s *Server) renderAuthorizeError(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte("<html><body><h1>Authorization error</h1><p>" + html.EscapeString(description) + "</p></body></html>"))
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code string) {
	location, err := url.Parse(redirectURI)
	if err != nil {
		s.renderAuthorizeError(w, "malformed redirect_uri")
		return
	}
	values := location.Query()
	values.Set("error", code)
	if state != "" {
		values.Set("state", state)
	}
	location.RawQuery = values.Encode()
	http.Redirect(w, r, location.String(), http.StatusFound)
}
