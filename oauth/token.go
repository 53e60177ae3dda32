package oauth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/viant/mcprelay/auth"
	"github.com/viant/mcprelay/authstore"
)

// handleToken serves the authorization_code and refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	client, ok := s.authenticateClient(w, r)
	if !ok {
		return
	}
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.codeGrant(w, r, client)
	case "refresh_token":
		s.refreshGrant(w, r, client)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

// codeGrant exchanges a single-use authorization code for tokens. The
// compare-and-set on the exchange record is the sole replay guard: a second
// claim revokes the installation issued by the first before answering.
func (s *Server) codeGrant(w http.ResponseWriter, r *http.Request, client *authstore.ClientRegistration) {
	code := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	redirectURI := r.PostFormValue("redirect_uri")
	if code == "" || verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code and code_verifier are required")
		return
	}

	pending, err := s.records.GetPending(r.Context(), code)
	if err != nil {
		// The pending record goes away once tokens are issued, so a miss can
		// be a replayed code rather than an unknown one; the exchange record
		// outlives it and its claim state tells the two apart.
		if accessToken, replayed, claimErr := s.records.ClaimExchange(r.Context(), code); claimErr == nil && replayed {
			s.revokeInstallation(r, accessToken)
			s.logger.Warn("authorization code replayed",
				zap.String("clientId", client.ClientID))
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code already redeemed")
			return
		}
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired code")
		return
	}
	if pending.ClientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to another client")
		return
	}
	if redirectURI != pending.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if oauth2.S256ChallengeFromVerifier(verifier) != pending.CodeChallenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
		return
	}

	accessToken, replayed, err := s.records.ClaimExchange(r.Context(), code)
	if err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired code")
			return
		}
		s.logger.Error("failed to claim token exchange", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if replayed {
		s.revokeInstallation(r, accessToken)
		s.logger.Warn("authorization code replayed",
			zap.String("clientId", client.ClientID))
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code already redeemed")
		return
	}

	refreshToken, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	installation := &authstore.Installation{
		UserID:            pending.UserID,
		ClientID:          client.ClientID,
		IssuedAt:          time.Now(),
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		UpstreamTokenStub: pending.UpstreamTokenStub,
		ExpiresIn:         int64(authstore.InstallationTTL / time.Second),
	}
	if err := s.storeTokenPair(r, installation); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_ = s.records.DeletePending(r.Context(), code)
	s.logger.Info("tokens issued",
		zap.String("clientId", client.ClientID), zap.String("userId", pending.UserID))
	s.writeTokenResponse(w, installation)
}

// refreshGrant rotates the token pair: the old installation and refresh
// mapping are removed and replacements stored with fresh 7 day TTLs.
func (s *Server) refreshGrant(w http.ResponseWriter, r *http.Request, client *authstore.ClientRegistration) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	accessToken, err := s.records.GetRefresh(r.Context(), refreshToken)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired refresh token")
		return
	}
	installation, err := s.records.TakeInstallation(r.Context(), accessToken)
	if err != nil {
		_ = s.records.DeleteRefresh(r.Context(), refreshToken)
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "installation no longer exists")
		return
	}
	if installation.ClientID != client.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to another client")
		return
	}

	newAccess, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	newRefresh, err := randomToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rotated := &authstore.Installation{
		UserID:            installation.UserID,
		ClientID:          installation.ClientID,
		IssuedAt:          time.Now(),
		AccessToken:       newAccess,
		RefreshToken:      newRefresh,
		UpstreamTokenStub: installation.UpstreamTokenStub,
		ExpiresIn:         int64(authstore.InstallationTTL / time.Second),
	}
	if err := s.storeTokenPair(r, rotated); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	_ = s.records.DeleteRefresh(r.Context(), refreshToken)
	s.logger.Info("tokens rotated",
		zap.String("clientId", client.ClientID), zap.String("userId", rotated.UserID))
	s.writeTokenResponse(w, rotated)
}

func (s *Server) storeTokenPair(r *http.Request, installation *authstore.Installation) error {
	if err := s.records.PutInstallation(r.Context(), installation); err != nil {
		s.logger.Error("failed to store installation", zap.Error(err))
		return err
	}
	if err := s.records.PutRefresh(r.Context(), installation.RefreshToken, installation.AccessToken); err != nil {
		s.logger.Error("failed to store refresh mapping", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) writeTokenResponse(w http.ResponseWriter, installation *authstore.Installation) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  installation.AccessToken,
		"refresh_token": installation.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    installation.ExpiresIn,
	})
}

// revokeInstallation removes the installation behind a replayed code along
// with its refresh mapping.
func (s *Server) revokeInstallation(r *http.Request, accessToken string) {
	installation, err := s.records.TakeInstallation(r.Context(), accessToken)
	if err != nil {
		return
	}
	if installation.RefreshToken != "" {
		_ = s.records.DeleteRefresh(r.Context(), installation.RefreshToken)
	}
}

// handleIntrospect serves RFC 7662 token introspection to authenticated
// clients. Unknown, expired and revoked tokens all answer {active: false}.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if _, ok := s.authenticateClient(w, r); !ok {
		return
	}
	token := r.PostFormValue("token")
	installation, err := s.records.GetInstallation(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	issuedAt := installation.IssuedAt.Unix()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":     true,
		"sub":        installation.UserID,
		"client_id":  installation.ClientID,
		"iat":        issuedAt,
		"exp":        issuedAt + installation.ExpiresIn,
		"token_type": "Bearer",
		"aud":        s.baseURI,
	})
}

// handleRevoke revokes the presented bearer token and its refresh mapping.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		auth.WriteUnauthorized(w)
		return
	}
	installation, err := s.records.TakeInstallation(r.Context(), token)
	if err != nil {
		// RFC 7009: revoking an unknown token is not an error.
		w.WriteHeader(http.StatusOK)
		return
	}
	if installation.RefreshToken != "" {
		_ = s.records.DeleteRefresh(r.Context(), installation.RefreshToken)
	}
	s.logger.Info("token revoked",
		zap.String("clientId", installation.ClientID), zap.String("userId", installation.UserID))
	w.WriteHeader(http.StatusOK)
}

// authenticateClient resolves client credentials from the form body or basic
// auth header; on failure it answers invalid_client and returns ok=false.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request) (*authstore.ClientRegistration, bool) {
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" {
		clientID, clientSecret, _ = r.BasicAuth()
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client credentials required")
		return nil, false
	}
	client, err := s.records.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "bad client credentials")
		return nil, false
	}
	return client, true
}
