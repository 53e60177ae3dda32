package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/viant/mcprelay/authstore"
)

// ErrInvalidToken indicates the bearer token is missing, unknown or expired.
var ErrInvalidToken = errors.New("invalid token")

// ErrUnavailable indicates the introspection endpoint could not be reached.
var ErrUnavailable = errors.New("authentication service unavailable")

// DefaultCacheTTL bounds how long a validation verdict may be reused.
const DefaultCacheTTL = 60 * time.Second

// DefaultCacheSize bounds the number of cached verdicts.
const DefaultCacheSize = 1024

// Validator verifies a bearer token and resolves the identity behind it.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// LocalValidator resolves tokens against the co-hosted installation store.
type LocalValidator struct {
	store *authstore.Store
}

// NewLocalValidator creates a validator over the installation store.
func NewLocalValidator(store *authstore.Store) *LocalValidator {
	return &LocalValidator{store: store}
}

// Validate looks the installation up by access token.
func (v *LocalValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	installation, err := v.store.GetInstallation(ctx, token)
	if err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	identity := &Identity{
		Token:    token,
		UserID:   installation.UserID,
		ClientID: installation.ClientID,
	}
	if installation.ExpiresIn > 0 {
		identity.ExpiresAt = installation.IssuedAt.Add(time.Duration(installation.ExpiresIn) * time.Second)
	}
	return identity, nil
}

// introspection is the RFC 7662 response shape this validator honors.
type introspection struct {
	Active   bool        `json:"active"`
	Sub      string      `json:"sub"`
	ClientID string      `json:"client_id"`
	Scope    string      `json:"scope"`
	Exp      int64       `json:"exp"`
	Aud      interface{} `json:"aud"`
}

// RemoteValidator validates tokens against an external RFC 7662 introspection
// endpoint, with a short-lived verdict cache to cap introspection load.
type RemoteValidator struct {
	endpoint string
	// baseURI is this resource server's identity; a reported aud must match.
	baseURI string
	client  *http.Client
	cache   *expirable.LRU[string, *Identity]
}

// RemoteOption mutates remote validator settings.
type RemoteOption func(v *RemoteValidator)

// WithHTTPClient overrides the HTTP client used for introspection calls.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(v *RemoteValidator) { v.client = client }
}

// WithCache replaces the default verdict cache settings.
func WithCache(size int, ttl time.Duration) RemoteOption {
	return func(v *RemoteValidator) { v.cache = expirable.NewLRU[string, *Identity](size, nil, ttl) }
}

// NewRemoteValidator creates a validator delegating to the given introspection
// endpoint. baseURI identifies this resource server for audience checks.
func NewRemoteValidator(endpoint, baseURI string, options ...RemoteOption) *RemoteValidator {
	validator := &RemoteValidator{
		endpoint: endpoint,
		baseURI:  strings.TrimRight(baseURI, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    expirable.NewLRU[string, *Identity](DefaultCacheSize, nil, DefaultCacheTTL),
	}
	for _, option := range options {
		option(validator)
	}
	return validator
}

// Validate introspects the token, honoring active, sub, exp and aud.
func (v *RemoteValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if identity, ok := v.cache.Get(token); ok {
		if identity.ExpiresAt.IsZero() || time.Now().Before(identity.ExpiresAt) {
			return identity, nil
		}
		v.cache.Remove(token)
	}

	form := url.Values{"token": {token}}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := v.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection returned %d", ErrUnavailable, response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	result := &introspection{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("%w: malformed introspection response", ErrUnavailable)
	}
	if !result.Active || result.Sub == "" {
		return nil, ErrInvalidToken
	}
	if result.Exp > 0 && time.Now().Unix() >= result.Exp {
		return nil, ErrInvalidToken
	}
	if !v.audienceMatches(result.Aud) {
		return nil, ErrInvalidToken
	}
	identity := &Identity{
		Token:    token,
		UserID:   result.Sub,
		ClientID: result.ClientID,
	}
	if result.Scope != "" {
		identity.Scopes = strings.Fields(result.Scope)
	}
	if result.Exp > 0 {
		identity.ExpiresAt = time.Unix(result.Exp, 0)
	}
	v.cache.Add(token, identity)
	return identity, nil
}

// audienceMatches accepts an absent aud and otherwise requires the base URI
// among the reported audiences. RFC 7662 allows both string and array forms.
func (v *RemoteValidator) audienceMatches(aud interface{}) bool {
	switch actual := aud.(type) {
	case nil:
		return true
	case string:
		return strings.TrimRight(actual, "/") == v.baseURI
	case []interface{}:
		for _, item := range actual {
			if value, ok := item.(string); ok && strings.TrimRight(value, "/") == v.baseURI {
				return true
			}
		}
	}
	return false
}
