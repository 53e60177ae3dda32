package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/handler"
)

func newService(t *testing.T, mutate func(*Config)) (*Service, *httptest.Server) {
	t.Helper()
	redisServer := miniredis.RunT(t)
	config := &Config{
		Port:     0,
		BaseURI:  "http://relay.test",
		RedisURL: "redis://" + redisServer.Addr(),
		AuthMode: AuthModeInternal,
	}
	if mutate != nil {
		mutate(config)
	}
	service, err := New(context.Background(), config, handler.New("mcprelay", "test"))
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	})
	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)
	return service, server
}

// obtainToken walks register, authorize and token against the co-hosted
// authorization server.
func obtainToken(t *testing.T, serverURL string) string {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	registerResponse, err := client.Post(serverURL+"/register", "application/json",
		strings.NewReader(`{"client_name":"t","redirect_uris":["http://x/cb"]}`))
	require.NoError(t, err)
	defer registerResponse.Body.Close()
	require.Equal(t, http.StatusCreated, registerResponse.StatusCode)
	registered := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(registerResponse.Body).Decode(&registered))
	clientID := registered["client_id"].(string)
	clientSecret := registered["client_secret"].(string)

	verifier := oauth2.GenerateVerifier()
	query := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"http://x/cb"},
		"response_type":         {"code"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	authorizeResponse, err := client.Get(serverURL + "/authorize?" + query.Encode())
	require.NoError(t, err)
	defer authorizeResponse.Body.Close()
	require.Equal(t, http.StatusFound, authorizeResponse.StatusCode)
	location, err := url.Parse(authorizeResponse.Header.Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tokenResponse, err := client.PostForm(serverURL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {"http://x/cb"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer tokenResponse.Body.Close()
	require.Equal(t, http.StatusOK, tokenResponse.StatusCode)
	tokens := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(tokenResponse.Body).Decode(&tokens))
	return tokens["access_token"].(string)
}

func TestService_FreshSessionRoundTrip(t *testing.T) {
	_, server := newService(t, nil)
	token := obtainToken(t, server.URL)

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`
	request, err := http.NewRequest(http.MethodPost, server.URL+"/mcp", strings.NewReader(initialize))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	sessionID := response.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	initialized := &mcprelay.Response{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(initialized))
	assert.Equal(t, float64(1), initialized.Id)
	assert.Contains(t, string(initialized.Result), "protocolVersion")

	ping := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	pingRequest, err := http.NewRequest(http.MethodPost, server.URL+"/mcp", strings.NewReader(ping))
	require.NoError(t, err)
	pingRequest.Header.Set("Authorization", "Bearer "+token)
	pingRequest.Header.Set("Mcp-Session-Id", sessionID)
	pingResponse, err := http.DefaultClient.Do(pingRequest)
	require.NoError(t, err)
	defer pingResponse.Body.Close()
	require.Equal(t, http.StatusOK, pingResponse.StatusCode)
	pong := &mcprelay.Response{}
	require.NoError(t, json.NewDecoder(pingResponse.Body).Decode(pong))
	assert.Equal(t, float64(2), pong.Id)
}

func TestService_UnauthenticatedMCPRejected(t *testing.T) {
	_, server := newService(t, nil)
	response, err := http.Post(server.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	assert.Contains(t, response.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestService_ExternalModeDegraded(t *testing.T) {
	// No authorization server listens here, so the startup probe fails.
	service, server := newService(t, func(config *Config) {
		config.AuthMode = AuthModeExternal
		config.AuthServerURL = "http://127.0.0.1:1"
	})
	require.True(t, service.Degraded())

	request, err := http.NewRequest(http.MethodPost, server.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer any")
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)

	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	errorBody := body["error"].(map[string]interface{})
	assert.Equal(t, float64(-32000), errorBody["code"])
}

func TestService_ExternalModeHealthyProbe(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == metadataPath {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"issuer":"x"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer authServer.Close()

	service, _ := newService(t, func(config *Config) {
		config.AuthMode = AuthModeExternal
		config.AuthServerURL = authServer.URL
	})
	assert.False(t, service.Degraded())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{AuthMode: AuthModeInternal}).Validate())
	assert.Error(t, (&Config{AuthMode: AuthModeExternal}).Validate())
	assert.NoError(t, (&Config{AuthMode: AuthModeExternal, AuthServerURL: "http://a"}).Validate())
	assert.Error(t, (&Config{AuthMode: "other"}).Validate())
}
