// Package sse implements the legacy HTTP+SSE transport of the Model Context
// Protocol: a long-lived GET stream paired with a per-session POST endpoint.
// The two endpoints meet on a single shared-store channel, so the POST may
// land on any replica.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/auth"
	"github.com/viant/mcprelay/session"
	"github.com/viant/mcprelay/store"
	"github.com/viant/mcprelay/transport"
	"github.com/viant/mcprelay/transport/server/http/common"
	httpsession "github.com/viant/mcprelay/transport/server/http/session"
)

// Handler serves GET /sse and POST /message.
type Handler struct {
	Options
	shared     store.Store
	directory  *session.Directory
	newHandler transport.NewHandler
}

// New creates the legacy SSE handler over the shared store.
func New(shared store.Store, newHandler transport.NewHandler, options ...Option) *Handler {
	h := &Handler{
		Options: Options{
			MessageURI:      "/message",
			SessionLocation: httpsession.NewQueryLocation("sessionId"),
			Logger:          zap.NewNop(),
		},
		shared:     shared,
		directory:  session.NewDirectory(shared),
		newHandler: newHandler,
	}
	for _, option := range options {
		option(&h.Options)
	}
	return h
}

// ServeStream handles GET /sse: it creates a session, advertises the message
// endpoint, and forwards every frame published on the session channel to the
// MCP handler, writing handler output back onto the stream.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID == "" {
		auth.WriteUnauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := uuid.New().String()
	if err := h.directory.SetOwner(r.Context(), sessionID, identity.UserID); err != nil {
		http.Error(w, "failed to record session owner", http.StatusInternalServerError)
		return
	}
	defer func() {
		// Runs after the request context is canceled; the delete must still
		// reach the store or the ownership record leaks.
		_ = h.directory.DeleteOwner(context.WithoutCancel(r.Context()), sessionID)
	}()

	common.SetStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	stream := &streamTransport{
		writer: common.NewFlushWriter(w),
		trips:  transport.NewRoundTrips(),
	}
	handlerCtx := mcprelay.WithSession(r.Context(), sessionID)
	handler := h.newHandler(handlerCtx, stream)

	// Subscribe before the endpoint event leaves so a prompt POST cannot
	// outrun the session channel.
	subscription, err := h.shared.Subscribe(r.Context(), session.LegacyChannel(sessionID), func(frame []byte) {
		h.dispatch(handlerCtx, stream, handler, sessionID, frame)
	}, nil)
	if err != nil {
		h.Logger.Error("failed to subscribe session channel",
			zap.String("sessionId", sessionID), zap.Error(err))
		return
	}
	defer subscription.Close()
	if err := stream.writeEndpoint(h.MessageURI, h.SessionLocation.Name, sessionID); err != nil {
		return
	}
	h.Logger.Info("legacy stream opened",
		zap.String("sessionId", sessionID), zap.String("userId", identity.UserID))

	<-r.Context().Done()
	stream.trips.CloseWithError(fmt.Errorf("session %s stream closed", sessionID))
}

// dispatch delivers one inbound frame to the handler. The store pump is
// sequential, so frames keep their channel order.
func (h *Handler) dispatch(ctx context.Context, stream *streamTransport, handler transport.Handler, sessionID string, frame []byte) {
	message, err := mcprelay.ParseMessage(frame)
	if err != nil {
		h.Logger.Warn("malformed frame on session channel",
			zap.String("sessionId", sessionID), zap.Error(err))
		return
	}
	switch message.Type {
	case mcprelay.MessageTypeRequest:
		response := &mcprelay.Response{Id: message.Request.Id, Jsonrpc: mcprelay.Version}
		if serveErr := handler.Serve(ctx, message.Request, response); serveErr != nil {
			response.Result = nil
			response.Error = serveErr
		}
		if err := stream.writeMessage(response); err != nil {
			h.Logger.Warn("failed to write response to stream",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	case mcprelay.MessageTypeNotification:
		if err := handler.OnNotification(ctx, message.Notification); err != nil {
			h.Logger.Warn("notification handler failed",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	case mcprelay.MessageTypeResponse:
		trip, err := stream.trips.Match(message.Response.Id)
		if err != nil {
			h.Logger.Warn("unmatched response on session channel",
				zap.String("sessionId", sessionID), zap.Error(err))
			return
		}
		trip.SetResponse(message.Response)
	}
}

// ServeMessage handles POST /message: the body is published on the session
// channel and picked up by whichever replica holds the stream.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID == "" {
		auth.WriteUnauthorized(w)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, _ := h.SessionLocation.Locate(r)
	if sessionID == "" {
		http.Error(w, "missing "+h.SessionLocation.Name, http.StatusBadRequest)
		return
	}
	if !h.owned(r, sessionID, identity.UserID) {
		auth.WriteUnauthorized(w)
		return
	}
	frame, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()
	if err := h.shared.Publish(r.Context(), session.LegacyChannel(sessionID), frame); err != nil {
		http.Error(w, "failed to publish frame", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// owned requires the owner record to match and the stream to be attached.
// Liveness is checked on the session channel because legacy sessions never
// subscribe the streamable inbound channel.
func (h *Handler) owned(r *http.Request, sessionID, userID string) bool {
	owner, err := h.directory.GetOwner(r.Context(), sessionID)
	if err != nil || owner == "" || owner != userID {
		return false
	}
	count, err := h.shared.SubscriberCount(r.Context(), session.LegacyChannel(sessionID))
	return err == nil && count > 0
}

// streamTransport exposes the SSE stream to the MCP handler: notifications
// and server-initiated requests are written straight onto the stream, client
// responses come back through the session channel.
type streamTransport struct {
	mux    sync.Mutex
	writer io.Writer
	trips  *transport.RoundTrips
}

func (t *streamTransport) writeEndpoint(messageURI, parameter, sessionID string) error {
	query := url.Values{}
	query.Set(parameter, sessionID)
	t.mux.Lock()
	defer t.mux.Unlock()
	_, err := t.writer.Write(common.FrameEvent("endpoint", []byte(messageURI+"?"+query.Encode())))
	return err
}

func (t *streamTransport) writeMessage(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	_, err = t.writer.Write(common.FrameEvent("message", data))
	return err
}

// Notify writes a notification onto the stream.
func (t *streamTransport) Notify(ctx context.Context, notification *mcprelay.Notification) error {
	return t.writeMessage(notification)
}

// Send writes a server-initiated request onto the stream and waits for the
// client to POST the response back.
func (t *streamTransport) Send(ctx context.Context, request *mcprelay.Request) (*mcprelay.Response, error) {
	if request.Id == nil {
		return nil, fmt.Errorf("server request requires an id")
	}
	trip, err := t.trips.Add(request)
	if err != nil {
		return nil, err
	}
	if err := t.writeMessage(request); err != nil {
		return nil, err
	}
	if err := trip.Wait(ctx, transport.DefaultTripTimeout); err != nil {
		return nil, err
	}
	return trip.Response, nil
}
