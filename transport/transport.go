// Package transport wires the MCP protocol handler into the shared-store
// channels: a ServerTransport serves a session on the replica that owns it,
// and a RelayTransport bridges one HTTP request to wherever that replica is.
package transport

import (
	"context"

	"github.com/viant/mcprelay"
)

// Notifier represents a notification sender.
type Notifier interface {
	Notify(ctx context.Context, notification *mcprelay.Notification) error
}

// Transport is the framed transport the MCP handler writes through.
type Transport interface {
	Notifier
	Send(ctx context.Context, request *mcprelay.Request) (*mcprelay.Response, error)
}

// Handler is the MCP protocol handler; the transport layer treats it as
// opaque and delivers inbound frames to it sequentially.
type Handler interface {
	Serve(ctx context.Context, request *mcprelay.Request, response *mcprelay.Response) *mcprelay.Error
	OnNotification(ctx context.Context, notification *mcprelay.Notification) *mcprelay.Error
	OnError(ctx context.Context, error *mcprelay.Error) *mcprelay.Error
}

// NewHandler is a function that creates a new Handler bound to a transport.
type NewHandler func(ctx context.Context, transport Transport) Handler
