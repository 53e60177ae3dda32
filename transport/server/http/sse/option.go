package sse

import (
	"go.uber.org/zap"

	httpsession "github.com/viant/mcprelay/transport/server/http/session"
)

// Options represents SSE endpoint options.
type Options struct {
	// MessageURI is the inbound endpoint advertised on the stream.
	MessageURI string
	// SessionLocation defines where the session id travels on /message.
	SessionLocation *httpsession.Location
	// Logger used by the handler.
	Logger *zap.Logger
}

// Option mutates Options.
type Option func(o *Options)

// WithMessageURI sets the message URI advertised in the endpoint event.
func WithMessageURI(messageURI string) Option {
	return func(o *Options) { o.MessageURI = messageURI }
}

// WithSessionLocation overrides the session id location on /message.
func WithSessionLocation(location *httpsession.Location) Option {
	return func(o *Options) { o.SessionLocation = location }
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
