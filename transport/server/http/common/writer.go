// Package common holds helpers shared by the streamable and SSE endpoints.
package common

import (
	"fmt"
	"net/http"
	"strings"
)

const sseMime = "text/event-stream"

// FlushWriter wraps http.ResponseWriter and flushes every write so frames are
// pushed to the client immediately (required for streaming responses).
type FlushWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func (w *FlushWriter) Write(p []byte) (int, error) {
	if w.flusher == nil {
		return 0, fmt.Errorf("streaming not supported: %T does not support flushing", w.writer)
	}
	n, err := w.writer.Write(p)
	if err == nil {
		w.flusher.Flush()
	}
	return n, err
}

// Flush pushes buffered headers and data to the client without writing. A
// stream must flush once after its headers so an idle stream is visibly open.
func (w *FlushWriter) Flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// NewFlushWriter constructs a FlushWriter backed by given ResponseWriter.
func NewFlushWriter(rw http.ResponseWriter) *FlushWriter {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		flusher = nil
	}
	return &FlushWriter{writer: rw, flusher: flusher}
}

// SetStreamHeaders prepares the response for server-sent events.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// FrameEvent formats a payload as an SSE event. Multi-line payloads are
// split across data: lines per the SSE wire format.
func FrameEvent(event string, data []byte) []byte {
	builder := strings.Builder{}
	if event != "" {
		builder.WriteString("event: ")
		builder.WriteString(event)
		builder.WriteString("\n")
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	builder.WriteString("\n")
	return []byte(builder.String())
}

// AcceptsSSE checks whether the Accept header admits text/event-stream.
func AcceptsSSE(header http.Header) bool {
	for _, value := range header.Values("Accept") {
		if strings.Contains(value, sseMime) {
			return true
		}
	}
	return false
}
