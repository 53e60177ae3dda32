package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/session"
	"github.com/viant/mcprelay/store"
)

// DefaultIdleTimeout shuts a session down after five minutes without inbound
// traffic.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultTripTimeout bounds server-initiated request round trips.
const DefaultTripTimeout = 5 * time.Minute

// ServerTransport serves one session on the replica that created it. It
// subscribes to the session inbound and control channels, delivers frames to
// the MCP handler one at a time, and publishes handler output to the
// per-request reply channels or the notification stream.
type ServerTransport struct {
	sessionID string
	shared    store.Store
	directory *session.Directory
	handler   Handler
	trips     *RoundTrips
	logger    *zap.Logger

	idleTimeout time.Duration
	tripTimeout time.Duration
	idleTimer   *time.Timer

	inbound store.Subscription
	control store.Subscription
	queue   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(sessionID string)
}

// ServerOption mutates server transport settings.
type ServerOption func(t *ServerTransport)

// WithIdleTimeout overrides the idle auto-shutdown window.
func WithIdleTimeout(timeout time.Duration) ServerOption {
	return func(t *ServerTransport) { t.idleTimeout = timeout }
}

// WithTripTimeout overrides the server-initiated request timeout.
func WithTripTimeout(timeout time.Duration) ServerOption {
	return func(t *ServerTransport) { t.tripTimeout = timeout }
}

// WithLogger sets the transport logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(t *ServerTransport) { t.logger = logger }
}

// WithOnClose registers a hook invoked once the transport has torn down.
func WithOnClose(fn func(sessionID string)) ServerOption {
	return func(t *ServerTransport) { t.onClose = fn }
}

// NewServerTransport constructs the serving side of a session and starts it:
// the handler is built against the transport, the control and inbound
// channels are subscribed (confirmed with the store, so the session counts as
// live once this returns), and the idle timer is armed.
func NewServerTransport(ctx context.Context, sessionID string, shared store.Store, directory *session.Directory, newHandler NewHandler, options ...ServerOption) (*ServerTransport, error) {
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sessionCtx = mcprelay.WithSession(sessionCtx, sessionID)
	transport := &ServerTransport{
		sessionID:   sessionID,
		shared:      shared,
		directory:   directory,
		trips:       NewRoundTrips(),
		logger:      zap.NewNop(),
		idleTimeout: DefaultIdleTimeout,
		tripTimeout: DefaultTripTimeout,
		queue:       make(chan []byte, 128),
		ctx:         sessionCtx,
		cancel:      cancel,
	}
	for _, option := range options {
		option(transport)
	}
	transport.handler = newHandler(sessionCtx, transport)

	control, err := shared.Subscribe(sessionCtx, session.ControlChannel(sessionID), transport.onControl, transport.onSubscriptionError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	transport.control = control
	inbound, err := shared.Subscribe(sessionCtx, session.InboundChannel(sessionID), transport.enqueue, transport.onSubscriptionError)
	if err != nil {
		_ = control.Close()
		cancel()
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	transport.inbound = inbound

	transport.idleTimer = time.AfterFunc(transport.idleTimeout, transport.onIdle)
	go transport.dispatch()
	return transport, nil
}

// SessionID returns the session this transport serves.
func (t *ServerTransport) SessionID() string {
	return t.sessionID
}

// Notify publishes a server-initiated notification on the stream channel.
func (t *ServerTransport) Notify(ctx context.Context, notification *mcprelay.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return t.publish(ctx, session.StreamRequestId, data, nil)
}

// Send publishes a server-initiated request on the stream channel and waits
// for the client's response to arrive back on the inbound channel.
func (t *ServerTransport) Send(ctx context.Context, request *mcprelay.Request) (*mcprelay.Response, error) {
	if request.Id == nil {
		return nil, fmt.Errorf("session %s: server request requires an id", t.sessionID)
	}
	trip, err := t.trips.Add(request)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if err := t.publish(ctx, session.StreamRequestId, data, nil); err != nil {
		return nil, err
	}
	if err := trip.Wait(ctx, t.tripTimeout); err != nil {
		return nil, fmt.Errorf("session %s, method %s: %w", t.sessionID, request.Method, err)
	}
	return trip.Response, nil
}

// Close tears the transport down: subscriptions are drained, in-flight
// server-initiated trips are failed, and the ownership record is removed.
// It is safe to call more than once.
func (t *ServerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.idleTimer.Stop()
		if t.inbound != nil {
			_ = t.inbound.Close()
		}
		if t.control != nil {
			_ = t.control.Close()
		}
		t.trips.CloseWithError(fmt.Errorf("session %s closed", t.sessionID))
		close(t.queue)
		if err := t.directory.DeleteOwner(context.WithoutCancel(t.ctx), t.sessionID); err != nil {
			t.logger.Warn("failed to delete ownership record",
				zap.String("sessionId", t.sessionID), zap.Error(err))
		}
		t.cancel()
		if t.onClose != nil {
			t.onClose(t.sessionID)
		}
	})
	return nil
}

// enqueue feeds an inbound frame to the dispatch goroutine; order on the
// inbound channel is preserved because the store pump is sequential.
func (t *ServerTransport) enqueue(payload []byte) {
	defer func() {
		// The queue closes on teardown; frames racing with Close are dropped.
		_ = recover()
	}()
	t.queue <- payload
}

// dispatch delivers frames to the handler one at a time.
func (t *ServerTransport) dispatch() {
	for data := range t.queue {
		t.idleTimer.Reset(t.idleTimeout)
		t.handleFrame(data)
	}
}

func (t *ServerTransport) handleFrame(data []byte) {
	message, err := mcprelay.ParseMessage(data)
	if err != nil {
		t.logger.Warn("failed to parse inbound frame",
			zap.String("sessionId", t.sessionID), zap.Error(err))
		return
	}
	switch message.Type {
	case mcprelay.MessageTypeRequest:
		t.serveRequest(message.Request)
	case mcprelay.MessageTypeNotification:
		if err := t.handler.OnNotification(t.ctx, message.Notification); err != nil {
			t.logger.Warn("notification handler failed",
				zap.String("sessionId", t.sessionID),
				zap.String("method", message.Notification.Method),
				zap.Error(err))
		}
	case mcprelay.MessageTypeResponse:
		trip, err := t.trips.Match(message.Response.Id)
		if err != nil {
			t.logger.Warn("unmatched response",
				zap.String("sessionId", t.sessionID), zap.Error(err))
			return
		}
		trip.SetResponse(message.Response)
	}
}

func (t *ServerTransport) serveRequest(request *mcprelay.Request) {
	response := &mcprelay.Response{Id: request.Id, Jsonrpc: mcprelay.Version}
	if serveErr := t.handler.Serve(t.ctx, request, response); serveErr != nil {
		response.Result = nil
		response.Error = serveErr
	}
	data, err := json.Marshal(response)
	if err != nil {
		t.logger.Error("failed to marshal response",
			zap.String("sessionId", t.sessionID),
			zap.String("method", request.Method),
			zap.Error(err))
		return
	}
	requestID := mcprelay.FormatRequestId(request.Id)
	options := &EnvelopeOptions{RelatedRequestId: request.Id}
	if err := t.publish(t.ctx, requestID, data, options); err != nil {
		t.logger.Warn("failed to publish response",
			zap.String("sessionId", t.sessionID),
			zap.String("method", request.Method),
			zap.Error(err))
	}
}

// publish wraps a frame in the outbound envelope and publishes it on the
// reply channel addressed by requestID.
func (t *ServerTransport) publish(ctx context.Context, requestID string, frame []byte, options *EnvelopeOptions) error {
	payload, err := json.Marshal(NewEnvelope(frame, options))
	if err != nil {
		return err
	}
	channel := session.OutboundChannel(t.sessionID, requestID)
	if err := t.shared.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("session %s: %w", t.sessionID, err)
	}
	return nil
}

func (t *ServerTransport) onControl(payload []byte) {
	control := &session.ControlMessage{}
	if err := json.Unmarshal(payload, control); err != nil {
		t.logger.Warn("malformed control message",
			zap.String("sessionId", t.sessionID), zap.Error(err))
		return
	}
	if control.Type == session.ControlShutdown {
		t.logger.Info("session shutdown requested", zap.String("sessionId", t.sessionID))
		_ = t.Close()
	}
}

// onIdle fires after the idle window elapses without inbound traffic; the
// shutdown travels the control channel so paired relays tear down too.
func (t *ServerTransport) onIdle() {
	t.logger.Info("session idle timeout", zap.String("sessionId", t.sessionID))
	if err := t.directory.Shutdown(t.ctx, t.sessionID); err != nil {
		t.logger.Warn("failed to publish idle shutdown",
			zap.String("sessionId", t.sessionID), zap.Error(err))
		_ = t.Close()
	}
}

func (t *ServerTransport) onSubscriptionError(err error) {
	t.logger.Error("session subscription lost",
		zap.String("sessionId", t.sessionID), zap.Error(err))
	_ = t.Close()
}
