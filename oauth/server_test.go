package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/viant/mcprelay/authstore"
	"github.com/viant/mcprelay/store"
)

const baseURI = "https://relay.example.com"

// shaHex mirrors the record store's key hashing for TTL inspection.
func shaHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	redis   *miniredis.Miniredis
	records *authstore.Store
	server  *httptest.Server
	client  *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	records := authstore.New(store.NewRedisStoreWithClient(client))
	server := httptest.NewServer(NewServer(records, StaticAuthenticator("u1"), baseURI).Router())
	t.Cleanup(server.Close)

	// The authorize redirect must be inspected, not followed.
	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return &fixture{redis: redisServer, records: records, server: server, client: httpClient}
}

func (f *fixture) register(t *testing.T) (clientID, clientSecret string) {
	t.Helper()
	body := `{"client_name":"t","redirect_uris":["http://x/cb"]}`
	response, err := f.client.Post(f.server.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusCreated, response.StatusCode)
	decoded := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	return decoded["client_id"].(string), decoded["client_secret"].(string)
}

func (f *fixture) authorize(t *testing.T, clientID, verifier string) (code string) {
	t.Helper()
	query := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"http://x/cb"},
		"response_type":         {"code"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"st"},
	}
	response, err := f.client.Get(f.server.URL + "/authorize?" + query.Encode())
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusFound, response.StatusCode)
	location, err := url.Parse(response.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, location.Query().Get("error"))
	assert.Equal(t, "st", location.Query().Get("state"))
	code = location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *fixture) token(t *testing.T, form url.Values) (*http.Response, map[string]interface{}) {
	t.Helper()
	response, err := f.client.PostForm(f.server.URL+"/token", form)
	require.NoError(t, err)
	defer response.Body.Close()
	decoded := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	return response, decoded
}

func codeGrantForm(clientID, clientSecret, code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {"http://x/cb"},
		"code_verifier": {verifier},
	}
}

func TestRegister_RequiresRedirectURIs(t *testing.T) {
	f := newFixture(t)
	response, err := f.client.Post(f.server.URL+"/register", "application/json",
		strings.NewReader(`{"client_name":"t","redirect_uris":[]}`))
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	decoded := map[string]string{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	assert.Equal(t, "invalid_client_metadata", decoded["error"])
}

func TestAuthorize_ClientErrorsRenderInPage(t *testing.T) {
	f := newFixture(t)
	clientID, _ := f.register(t)

	t.Run("unknown client", func(t *testing.T) {
		response, err := f.client.Get(f.server.URL + "/authorize?client_id=nope&redirect_uri=http://x/cb")
		require.NoError(t, err)
		defer response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
		assert.Contains(t, response.Header.Get("Content-Type"), "text/html")
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		response, err := f.client.Get(f.server.URL + "/authorize?client_id=" + clientID + "&redirect_uri=http://evil/cb")
		require.NoError(t, err)
		defer response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	})
}

func TestAuthorize_ProtocolErrorsRedirect(t *testing.T) {
	f := newFixture(t)
	clientID, _ := f.register(t)

	query := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"http://x/cb"},
		"response_type": {"token"},
		"state":         {"st"},
	}
	response, err := f.client.Get(f.server.URL + "/authorize?" + query.Encode())
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusFound, response.StatusCode)
	location, err := url.Parse(response.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "unsupported_response_type", location.Query().Get("error"))
	assert.Equal(t, "st", location.Query().Get("state"))
}

func TestCodeGrant_PKCE(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)

	t.Run("matching verifier succeeds", func(t *testing.T) {
		verifier := oauth2.GenerateVerifier()
		code := f.authorize(t, clientID, verifier)
		response, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
		require.Equal(t, http.StatusOK, response.StatusCode)
		assert.NotEmpty(t, tokens["access_token"])
		assert.NotEmpty(t, tokens["refresh_token"])
		assert.Equal(t, "Bearer", tokens["token_type"])
	})

	t.Run("wrong verifier fails", func(t *testing.T) {
		verifier := oauth2.GenerateVerifier()
		code := f.authorize(t, clientID, verifier)
		response, body := f.token(t, codeGrantForm(clientID, clientSecret, code, oauth2.GenerateVerifier()))
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
		assert.Equal(t, "invalid_grant", body["error"])
	})

	t.Run("wrong redirect_uri fails", func(t *testing.T) {
		verifier := oauth2.GenerateVerifier()
		code := f.authorize(t, clientID, verifier)
		form := codeGrantForm(clientID, clientSecret, code, verifier)
		form.Set("redirect_uri", "http://x/other")
		response, body := f.token(t, form)
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
		assert.Equal(t, "invalid_grant", body["error"])
	})
}

func TestCodeGrant_ReplayRevokesInstallation(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)
	verifier := oauth2.GenerateVerifier()
	code := f.authorize(t, clientID, verifier)

	first, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	require.Equal(t, http.StatusOK, first.StatusCode)
	accessToken := tokens["access_token"].(string)

	second, body := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])

	// The installation issued by the first exchange is gone.
	_, err := f.records.GetInstallation(context.Background(), accessToken)
	assert.ErrorIs(t, err, authstore.ErrNotFound)
}

func TestRefreshGrant_RotatesPair(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)
	verifier := oauth2.GenerateVerifier()
	code := f.authorize(t, clientID, verifier)
	_, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	oldAccess := tokens["access_token"].(string)
	oldRefresh := tokens["refresh_token"].(string)

	response, rotated := f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {oldRefresh},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	})
	require.Equal(t, http.StatusOK, response.StatusCode)
	newAccess := rotated["access_token"].(string)
	newRefresh := rotated["refresh_token"].(string)
	assert.NotEqual(t, oldAccess, newAccess)
	assert.NotEqual(t, oldRefresh, newRefresh)

	ctx := context.Background()
	_, err := f.records.GetInstallation(ctx, oldAccess)
	assert.ErrorIs(t, err, authstore.ErrNotFound)
	_, err = f.records.GetRefresh(ctx, oldRefresh)
	assert.ErrorIs(t, err, authstore.ErrNotFound)

	installation, err := f.records.GetInstallation(ctx, newAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", installation.UserID)

	// The old refresh token is spent.
	replay, body := f.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {oldRefresh},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	})
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)
	verifier := oauth2.GenerateVerifier()
	code := f.authorize(t, clientID, verifier)
	_, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	accessToken := tokens["access_token"].(string)

	introspect := func(token string) map[string]interface{} {
		response, err := f.client.PostForm(f.server.URL+"/introspect", url.Values{
			"token":         {token},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		})
		require.NoError(t, err)
		defer response.Body.Close()
		require.Equal(t, http.StatusOK, response.StatusCode)
		decoded := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
		return decoded
	}

	active := introspect(accessToken)
	assert.Equal(t, true, active["active"])
	assert.Equal(t, "u1", active["sub"])
	assert.Equal(t, clientID, active["client_id"])
	assert.Equal(t, baseURI, active["aud"])

	assert.Equal(t, false, introspect("unknown")["active"])

	t.Run("requires client credentials", func(t *testing.T) {
		response, err := f.client.PostForm(f.server.URL+"/introspect", url.Values{"token": {accessToken}})
		require.NoError(t, err)
		defer response.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	})
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)
	verifier := oauth2.GenerateVerifier()
	code := f.authorize(t, clientID, verifier)
	_, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	accessToken := tokens["access_token"].(string)
	refreshToken := tokens["refresh_token"].(string)

	request, err := http.NewRequest(http.MethodPost, f.server.URL+"/revoke", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+accessToken)
	response, err := f.client.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	ctx := context.Background()
	_, err = f.records.GetInstallation(ctx, accessToken)
	assert.ErrorIs(t, err, authstore.ErrNotFound)
	_, err = f.records.GetRefresh(ctx, refreshToken)
	assert.ErrorIs(t, err, authstore.ErrNotFound)
}

func TestTTLHierarchy(t *testing.T) {
	f := newFixture(t)
	clientID, clientSecret := f.register(t)
	verifier := oauth2.GenerateVerifier()
	code := f.authorize(t, clientID, verifier)

	// Pending/exchange records carry the shortest TTL.
	pendingTTL := f.redis.TTL("auth:pending:" + shaHex(code))
	require.Greater(t, pendingTTL, time.Duration(0))

	_, tokens := f.token(t, codeGrantForm(clientID, clientSecret, code, verifier))
	accessToken := tokens["access_token"].(string)

	installationTTL := f.redis.TTL("auth:installation:" + shaHex(accessToken))
	clientTTL := f.redis.TTL("auth:client:" + clientID)
	require.Greater(t, installationTTL, time.Duration(0))
	require.Greater(t, clientTTL, time.Duration(0))

	assert.LessOrEqual(t, pendingTTL, installationTTL)
	assert.LessOrEqual(t, installationTTL, clientTTL)
}

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	response, err := f.client.Get(f.server.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	decoded := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	assert.Equal(t, baseURI, decoded["issuer"])
	assert.Equal(t, baseURI+"/token", decoded["token_endpoint"])
	assert.Contains(t, decoded["code_challenge_methods_supported"], "S256")
}
