package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/session"
	"github.com/viant/mcprelay/store"
)

// DefaultReplyTimeout bounds how long a relay waits for the owning replica
// to answer a single request.
const DefaultReplyTimeout = 30 * time.Second

// ErrReplyTimeout indicates the owning replica did not answer in time.
var ErrReplyTimeout = errors.New("timed out waiting for session reply")

// RelayTransport bridges a single HTTP request or stream to the replica that
// serves the session. For requests it subscribes to the per-request reply
// channel before publishing the inbound frame, so a fast reply cannot be
// missed.
type RelayTransport struct {
	sessionID    string
	shared       store.Store
	logger       *zap.Logger
	replyTimeout time.Duration
}

// RelayOption mutates relay settings.
type RelayOption func(r *RelayTransport)

// WithReplyTimeout overrides the reply wait window.
func WithReplyTimeout(timeout time.Duration) RelayOption {
	return func(r *RelayTransport) { r.replyTimeout = timeout }
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *RelayTransport) { r.logger = logger }
}

// NewRelayTransport creates a relay for one HTTP request or stream on the
// given session.
func NewRelayTransport(sessionID string, shared store.Store, options ...RelayOption) *RelayTransport {
	relay := &RelayTransport{
		sessionID:    sessionID,
		shared:       shared,
		logger:       zap.NewNop(),
		replyTimeout: DefaultReplyTimeout,
	}
	for _, option := range options {
		option(relay)
	}
	return relay
}

// RoundTrip forwards a request frame to the session inbound channel and
// waits for the correlated reply. The reply subscription is established
// before the publish. On context cancellation the subscription is closed and
// nothing further is published.
func (r *RelayTransport) RoundTrip(ctx context.Context, frame []byte, requestId mcprelay.RequestId) ([]byte, error) {
	requestID := mcprelay.FormatRequestId(requestId)
	replies := make(chan []byte, 1)
	subscription, err := r.shared.Subscribe(ctx, session.OutboundChannel(r.sessionID, requestID), func(payload []byte) {
		envelope, err := ParseEnvelope(payload)
		if err != nil {
			r.logger.Warn("malformed reply envelope",
				zap.String("sessionId", r.sessionID),
				zap.String("requestId", requestID),
				zap.Error(err))
			return
		}
		select {
		case replies <- envelope.Message:
		default:
		}
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("session %s, request %s: %w", r.sessionID, requestID, err)
	}
	defer subscription.Close()

	if err := r.shared.Publish(ctx, session.InboundChannel(r.sessionID), frame); err != nil {
		return nil, fmt.Errorf("session %s, request %s: %w", r.sessionID, requestID, err)
	}

	timer := time.NewTimer(r.replyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("session %s, request %s: %w", r.sessionID, requestID, ErrReplyTimeout)
	case reply := <-replies:
		return reply, nil
	}
}

// Forward publishes a notification frame; notifications elicit no reply so
// no subscription is created.
func (r *RelayTransport) Forward(ctx context.Context, frame []byte) error {
	if err := r.shared.Publish(ctx, session.InboundChannel(r.sessionID), frame); err != nil {
		return fmt.Errorf("session %s: %w", r.sessionID, err)
	}
	return nil
}

// Stream subscribes to the session notification stream and invokes onFrame
// for every frame until the context is done or onFrame returns an error
// (typically the client disconnecting).
func (r *RelayTransport) Stream(ctx context.Context, onFrame func(frame []byte) error) error {
	frames := make(chan []byte, 32)
	failures := make(chan error, 1)
	subscription, err := r.shared.Subscribe(ctx, session.OutboundChannel(r.sessionID, session.StreamRequestId), func(payload []byte) {
		envelope, err := ParseEnvelope(payload)
		if err != nil {
			r.logger.Warn("malformed stream envelope",
				zap.String("sessionId", r.sessionID), zap.Error(err))
			return
		}
		select {
		case frames <- envelope.Message:
		case <-ctx.Done():
		}
	}, func(err error) {
		select {
		case failures <- err:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("session %s: %w", r.sessionID, err)
	}
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failures:
			return fmt.Errorf("session %s: %w", r.sessionID, err)
		case frame := <-frames:
			if err := onFrame(frame); err != nil {
				return err
			}
		}
	}
}
