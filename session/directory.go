package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/viant/mcprelay/store"
)

// ControlShutdown is the only control message type currently defined.
const ControlShutdown = "shutdown"

// ControlMessage is the envelope published on a session control channel.
type ControlMessage struct {
	Type string `json:"type"`
}

// Directory tracks session ownership and liveness through the shared store.
type Directory struct {
	shared store.Store
}

// NewDirectory creates a session directory over the shared store.
func NewDirectory(shared store.Store) *Directory {
	return &Directory{shared: shared}
}

// SetOwner unconditionally binds sessionID to userID.
func (d *Directory) SetOwner(ctx context.Context, sessionID, userID string) error {
	_, err := d.shared.Set(ctx, OwnerKey(sessionID), []byte(userID), store.SetOptions{})
	if err != nil {
		return fmt.Errorf("set owner of session %s: %w", sessionID, err)
	}
	return nil
}

// GetOwner returns the owning user id, or empty when the session is unknown.
func (d *Directory) GetOwner(ctx context.Context, sessionID string) (string, error) {
	value, err := d.shared.Get(ctx, OwnerKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get owner of session %s: %w", sessionID, err)
	}
	return string(value), nil
}

// DeleteOwner removes the ownership record.
func (d *Directory) DeleteOwner(ctx context.Context, sessionID string) error {
	_, err := d.shared.Delete(ctx, OwnerKey(sessionID))
	return err
}

// IsLive reports whether the session inbound channel has at least one
// subscriber, i.e. a serving transport on some replica.
func (d *Directory) IsLive(ctx context.Context, sessionID string) (bool, error) {
	count, err := d.shared.SubscriberCount(ctx, InboundChannel(sessionID))
	if err != nil {
		return false, fmt.Errorf("liveness of session %s: %w", sessionID, err)
	}
	return count > 0, nil
}

// IsOwnedBy reports whether the session is live and owned by userID.
// Liveness is required so stale ownership records left by a crash never
// authorize access to a dead session.
func (d *Directory) IsOwnedBy(ctx context.Context, sessionID, userID string) (bool, error) {
	live, err := d.IsLive(ctx, sessionID)
	if err != nil || !live {
		return false, err
	}
	owner, err := d.GetOwner(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return owner != "" && owner == userID, nil
}

// Shutdown publishes a shutdown control message for the session; whichever
// replica hosts the serving transport observes it and tears down.
func (d *Directory) Shutdown(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(&ControlMessage{Type: ControlShutdown})
	if err != nil {
		return err
	}
	if err := d.shared.Publish(ctx, ControlChannel(sessionID), payload); err != nil {
		return fmt.Errorf("shutdown session %s: %w", sessionID, err)
	}
	return nil
}
