// Package session maps session identifiers to their owning user and derives
// liveness from shared-store channel subscriptions.
package session

// StreamRequestId addresses the per-session channel reserved for
// server-initiated notifications delivered through a GET stream.
const StreamRequestId = "__stream"

// Channel and key names are fixed for compatibility with concurrent readers
// on other replicas.

// InboundChannel carries client-to-server frames for a session.
func InboundChannel(sessionID string) string {
	return "mcp:shttp:toserver:" + sessionID
}

// OutboundChannel carries the reply for a single in-flight request id, or the
// notification stream when requestID is StreamRequestId.
func OutboundChannel(sessionID, requestID string) string {
	return "mcp:shttp:toclient:" + sessionID + ":" + requestID
}

// ControlChannel carries administrative messages, currently only shutdown.
func ControlChannel(sessionID string) string {
	return "mcp:control:" + sessionID
}

// LegacyChannel is the single bidirectional channel used by the legacy SSE
// transport.
func LegacyChannel(sessionID string) string {
	return "mcp:" + sessionID
}

// OwnerKey stores the sessionId -> userId ownership record.
func OwnerKey(sessionID string) string {
	return "session:" + sessionID + ":owner"
}
