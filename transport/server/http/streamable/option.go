package streamable

import (
	"time"

	"go.uber.org/zap"

	httpsession "github.com/viant/mcprelay/transport/server/http/session"
)

// Mcp-Session-Id per the streamable HTTP transport of the MCP spec.
const defaultSessionHeaderKey = "Mcp-Session-Id"

// Options exposes configurable attributes of the handler.
type Options struct {
	// SessionLocation defines where the session id travels; header by default.
	SessionLocation *httpsession.Location
	// IdleTimeout applied to sessions created by this handler.
	IdleTimeout time.Duration
	// ReplyTimeout applied to relayed requests.
	ReplyTimeout time.Duration
	// Logger used by the handler and the transports it creates.
	Logger *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithSessionLocation overrides the default session location.
func WithSessionLocation(location *httpsession.Location) Option {
	return func(o *Options) { o.SessionLocation = location }
}

// WithIdleTimeout sets the session idle auto-shutdown window.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = timeout }
}

// WithReplyTimeout bounds relayed request round trips.
func WithReplyTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.ReplyTimeout = timeout }
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
