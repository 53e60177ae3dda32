// Package streamable implements the streamable HTTP endpoint of the Model
// Context Protocol. A single URI serves handshake, message exchange and the
// notification stream; the HTTP method and session header select the mode.
// Sessions live behind the shared store, so any replica can serve any
// request.
package streamable

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/auth"
	"github.com/viant/mcprelay/internal/collection"
	"github.com/viant/mcprelay/session"
	"github.com/viant/mcprelay/store"
	"github.com/viant/mcprelay/transport"
	"github.com/viant/mcprelay/transport/server/http/common"
	httpsession "github.com/viant/mcprelay/transport/server/http/session"
)

const methodInitialize = "initialize"

// Handler serves POST, GET and DELETE on the MCP endpoint.
// POST without Mcp-Session-Id must carry initialize and creates a session on
// this replica. POST with the header relays the frame to the owning replica.
// GET opens the notification stream; DELETE tears the session down.
type Handler struct {
	Options
	shared     store.Store
	directory  *session.Directory
	newHandler transport.NewHandler

	// local tracks the server transports this replica created so a graceful
	// process shutdown can drain them.
	local *collection.SyncMap[string, *transport.ServerTransport]
}

// New constructs a Handler over the shared store.
func New(shared store.Store, newHandler transport.NewHandler, opts ...Option) *Handler {
	h := &Handler{
		Options: Options{
			SessionLocation: httpsession.NewHeaderLocation(defaultSessionHeaderKey),
			IdleTimeout:     transport.DefaultIdleTimeout,
			ReplyTimeout:    transport.DefaultReplyTimeout,
			Logger:          zap.NewNop(),
		},
		shared:     shared,
		directory:  session.NewDirectory(shared),
		newHandler: newHandler,
		local:      collection.NewSyncMap[string, *transport.ServerTransport](),
	}
	for _, o := range opts {
		o(&h.Options)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID == "" {
		auth.WriteUnauthorized(w)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r, identity)
	case http.MethodGet:
		h.handleGET(w, r, identity)
	case http.MethodDelete:
		h.handleDELETE(w, r, identity)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	frame, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	sessionID, _ := h.SessionLocation.Locate(r)
	if sessionID == "" {
		h.initHandshake(w, r, identity, frame)
		return
	}
	if !h.owned(w, r, sessionID, identity) {
		return
	}
	h.relayFrame(w, r, sessionID, frame)
}

// initHandshake creates a session for an initialize request: the server
// transport starts on this replica and the ownership record is written
// before the response leaves.
func (h *Handler) initHandshake(w http.ResponseWriter, r *http.Request, identity *auth.Identity, frame []byte) {
	message, err := mcprelay.ParseMessage(frame)
	if err != nil || message.Type != mcprelay.MessageTypeRequest || message.Method() != methodInitialize {
		http.Error(w, "expected initialize request", http.StatusBadRequest)
		return
	}
	sessionID := uuid.New().String()
	serverTransport, err := transport.NewServerTransport(r.Context(), sessionID, h.shared, h.directory, h.newHandler,
		transport.WithIdleTimeout(h.IdleTimeout),
		transport.WithLogger(h.Logger),
		transport.WithOnClose(h.local.Delete))
	if err != nil {
		h.Logger.Error("failed to start session transport",
			zap.String("sessionId", sessionID), zap.Error(err))
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if err := h.directory.SetOwner(r.Context(), sessionID, identity.UserID); err != nil {
		_ = serverTransport.Close()
		http.Error(w, "failed to record session owner", http.StatusInternalServerError)
		return
	}
	h.local.Put(sessionID, serverTransport)
	h.Logger.Info("session created",
		zap.String("sessionId", sessionID), zap.String("userId", identity.UserID))

	w.Header().Set(h.sessionHeaderName(), sessionID)
	h.relayFrame(w, r, sessionID, frame)
}

// relayFrame forwards a frame to the owning replica. Requests wait for the
// correlated reply; notifications and client responses are fire-and-forget.
func (h *Handler) relayFrame(w http.ResponseWriter, r *http.Request, sessionID string, frame []byte) {
	relay := transport.NewRelayTransport(sessionID, h.shared,
		transport.WithReplyTimeout(h.ReplyTimeout),
		transport.WithRelayLogger(h.Logger))

	message, err := mcprelay.ParseMessage(frame)
	if err != nil {
		http.Error(w, "malformed JSON-RPC frame", http.StatusBadRequest)
		return
	}
	if message.Type != mcprelay.MessageTypeRequest {
		if err := relay.Forward(r.Context(), frame); err != nil {
			http.Error(w, "failed to forward frame", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply, err := relay.RoundTrip(r.Context(), frame, message.Id())
	if err != nil {
		if errors.Is(err, transport.ErrReplyTimeout) {
			http.Error(w, "session did not reply in time", http.StatusGatewayTimeout)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		http.Error(w, "failed to relay request", http.StatusInternalServerError)
		return
	}

	if common.AcceptsSSE(r.Header) {
		common.SetStreamHeaders(w)
		_, _ = common.NewFlushWriter(w).Write(common.FrameEvent("message", reply))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// handleGET opens the server-to-client notification stream.
func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	if !common.AcceptsSSE(r.Header) {
		http.Error(w, "SSE not supported on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	sessionID, _ := h.SessionLocation.Locate(r)
	if sessionID == "" {
		http.Error(w, "missing "+h.sessionHeaderName(), http.StatusBadRequest)
		return
	}
	if !h.owned(w, r, sessionID, identity) {
		return
	}

	common.SetStreamHeaders(w)
	writer := common.NewFlushWriter(w)
	w.WriteHeader(http.StatusOK)
	writer.Flush()

	relay := transport.NewRelayTransport(sessionID, h.shared, transport.WithRelayLogger(h.Logger))
	err := relay.Stream(r.Context(), func(frame []byte) error {
		_, err := writer.Write(common.FrameEvent("message", frame))
		return err
	})
	if err != nil {
		h.Logger.Debug("notification stream ended",
			zap.String("sessionId", sessionID), zap.Error(err))
	}
}

// handleDELETE requests a session shutdown via the control channel; the
// owning replica tears the transport down and drains open relays.
func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	sessionID, _ := h.SessionLocation.Locate(r)
	if sessionID == "" {
		http.Error(w, "missing "+h.sessionHeaderName(), http.StatusBadRequest)
		return
	}
	if !h.owned(w, r, sessionID, identity) {
		return
	}
	if err := h.directory.Shutdown(r.Context(), sessionID); err != nil {
		http.Error(w, "failed to shut session down", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// owned answers 401 and returns false unless the session is live and owned
// by the caller. Unknown and foreign sessions are indistinguishable to the
// client so session ids cannot be enumerated.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request, sessionID string, identity *auth.Identity) bool {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ok, err := h.directory.IsOwnedBy(ctx, sessionID, identity.UserID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return false
	}
	if !ok {
		auth.WriteUnauthorized(w)
		return false
	}
	return true
}

// Close drains the sessions owned by this replica. Their ownership records
// disappear with them, so clients re-initialize elsewhere.
func (h *Handler) Close() error {
	h.local.Range(func(_ string, serverTransport *transport.ServerTransport) bool {
		_ = serverTransport.Close()
		return true
	})
	return nil
}

func (h *Handler) sessionHeaderName() string {
	if h.SessionLocation != nil {
		return h.SessionLocation.Name
	}
	return defaultSessionHeaderKey
}
