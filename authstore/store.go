package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/viant/mcprelay/store"
)

// Store-level key prefixes, fixed for compatibility with concurrent readers.
const (
	clientPrefix       = "auth:client:"
	pendingPrefix      = "auth:pending:"
	exchangePrefix     = "auth:exch:"
	installationPrefix = "auth:installation:"
	refreshPrefix      = "auth:refresh:"
)

// ErrNotFound indicates the record is absent or expired.
var ErrNotFound = errors.New("auth record not found")

// Store wraps the shared store with per-record-type prefixes, identifier
// hashing and at-rest encryption.
type Store struct {
	shared store.Store
}

// New creates an auth record store over the shared store.
func New(shared store.Store) *Store {
	return &Store{shared: shared}
}

func (s *Store) put(ctx context.Context, prefix, id, storeKey string, record interface{}, ttl time.Duration, keepTTL bool) error {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", prefix, err)
	}
	sealed, err := seal(id, prefix, plaintext)
	if err != nil {
		return fmt.Errorf("seal %s record: %w", prefix, err)
	}
	_, err = s.shared.Set(ctx, storeKey, sealed, store.SetOptions{TTL: ttl, KeepTTL: keepTTL})
	if err != nil {
		return fmt.Errorf("store %s record: %w", prefix, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, prefix, id, storeKey string, record interface{}) error {
	sealed, err := s.shared.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load %s record: %w", prefix, err)
	}
	plaintext, err := open(id, prefix, sealed)
	if err != nil {
		return fmt.Errorf("open %s record: %w", prefix, err)
	}
	if err := json.Unmarshal(plaintext, record); err != nil {
		return fmt.Errorf("unmarshal %s record: %w", prefix, err)
	}
	return nil
}

// PutClient stores a client registration for 30 days.
func (s *Store) PutClient(ctx context.Context, client *ClientRegistration) error {
	return s.put(ctx, clientPrefix, client.ClientID, clientPrefix+client.ClientID, client, ClientTTL, false)
}

// GetClient loads a client registration by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	client := &ClientRegistration{}
	if err := s.get(ctx, clientPrefix, clientID, clientPrefix+clientID, client); err != nil {
		return nil, err
	}
	return client, nil
}

// PutPending stores a pending authorization keyed by the authorization code.
func (s *Store) PutPending(ctx context.Context, code string, pending *PendingAuthorization) error {
	return s.put(ctx, pendingPrefix, code, pendingPrefix+hashKey(code), pending, PendingTTL, false)
}

// GetPending loads a pending authorization by code.
func (s *Store) GetPending(ctx context.Context, code string) (*PendingAuthorization, error) {
	pending := &PendingAuthorization{}
	if err := s.get(ctx, pendingPrefix, code, pendingPrefix+hashKey(code), pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// DeletePending removes a pending authorization.
func (s *Store) DeletePending(ctx context.Context, code string) error {
	_, err := s.shared.Delete(ctx, pendingPrefix+hashKey(code))
	return err
}

// PutExchange stores the one-shot token exchange record keyed by the code.
func (s *Store) PutExchange(ctx context.Context, code string, exchange *TokenExchange) error {
	return s.put(ctx, exchangePrefix, code, exchangePrefix+hashKey(code), exchange, ExchangeTTL, false)
}

// ClaimExchange atomically flips AlreadyUsed from false to true while
// preserving the record TTL. It returns the access token bound to the code
// and replayed=true when the code had already been claimed; the caller must
// then revoke the installation issued by the first claim.
func (s *Store) ClaimExchange(ctx context.Context, code string) (accessToken string, replayed bool, err error) {
	storeKey := exchangePrefix + hashKey(code)

	// Read the current record to learn the bound access token.
	current := &TokenExchange{}
	if err := s.get(ctx, exchangePrefix, code, storeKey, current); err != nil {
		return "", false, err
	}
	used := &TokenExchange{AccessToken: current.AccessToken, AlreadyUsed: true}
	plaintext, err := json.Marshal(used)
	if err != nil {
		return "", false, err
	}
	sealed, err := seal(code, exchangePrefix, plaintext)
	if err != nil {
		return "", false, err
	}
	result, err := s.shared.Set(ctx, storeKey, sealed, store.SetOptions{
		OnlyIfPresent:  true,
		KeepTTL:        true,
		ReturnPrevious: true,
	})
	if err != nil {
		return "", false, fmt.Errorf("claim exchange: %w", err)
	}
	if !result.HadPrevious {
		// Expired between read and claim.
		return "", false, ErrNotFound
	}
	previousPlain, err := open(code, exchangePrefix, result.Previous)
	if err != nil {
		return "", false, fmt.Errorf("open prior exchange: %w", err)
	}
	previous := &TokenExchange{}
	if err := json.Unmarshal(previousPlain, previous); err != nil {
		return "", false, err
	}
	return previous.AccessToken, previous.AlreadyUsed, nil
}

// PutInstallation stores an installation keyed by its access token for 7
// days; refresh rotation calls this again to reset the TTL.
func (s *Store) PutInstallation(ctx context.Context, installation *Installation) error {
	token := installation.AccessToken
	return s.put(ctx, installationPrefix, token, installationPrefix+hashKey(token), installation, InstallationTTL, false)
}

// GetInstallation loads an installation by access token.
func (s *Store) GetInstallation(ctx context.Context, accessToken string) (*Installation, error) {
	installation := &Installation{}
	if err := s.get(ctx, installationPrefix, accessToken, installationPrefix+hashKey(accessToken), installation); err != nil {
		return nil, err
	}
	return installation, nil
}

// TakeInstallation atomically reads and deletes an installation (revocation).
func (s *Store) TakeInstallation(ctx context.Context, accessToken string) (*Installation, error) {
	sealed, err := s.shared.GetDelete(ctx, installationPrefix+hashKey(accessToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take installation: %w", err)
	}
	plaintext, err := open(accessToken, installationPrefix, sealed)
	if err != nil {
		return nil, fmt.Errorf("open installation: %w", err)
	}
	installation := &Installation{}
	if err := json.Unmarshal(plaintext, installation); err != nil {
		return nil, err
	}
	return installation, nil
}

// PutRefresh stores the refreshToken -> accessToken mapping.
func (s *Store) PutRefresh(ctx context.Context, refreshToken, accessToken string) error {
	record := map[string]string{"accessToken": accessToken}
	return s.put(ctx, refreshPrefix, refreshToken, refreshPrefix+hashKey(refreshToken), record, RefreshTTL, false)
}

// GetRefresh resolves a refresh token to its access token.
func (s *Store) GetRefresh(ctx context.Context, refreshToken string) (string, error) {
	record := map[string]string{}
	if err := s.get(ctx, refreshPrefix, refreshToken, refreshPrefix+hashKey(refreshToken), &record); err != nil {
		return "", err
	}
	return record["accessToken"], nil
}

// DeleteRefresh removes a refresh mapping.
func (s *Store) DeleteRefresh(ctx context.Context, refreshToken string) error {
	_, err := s.shared.Delete(ctx, refreshPrefix+hashKey(refreshToken))
	return err
}
