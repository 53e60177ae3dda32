package mcprelay

import "context"

// Version is the JSON-RPC protocol version.
const Version = "2.0"

const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// AuthUnavailableError is returned on protected endpoints while the
	// authorization service is unreachable (degraded mode).
	AuthUnavailableError = -32000
)

type sessionKey string

// SessionKey is the key used to store the session ID in the context.
const SessionKey = sessionKey("mcp-session")

// WithSession returns a context carrying the session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionKey, sessionID)
}

// SessionFromContext returns the session id the handler context was built
// with, empty when absent.
func SessionFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(SessionKey).(string)
	return sessionID
}
