// Package stdio serves the MCP handler over line-delimited JSON-RPC on a
// reader/writer pair, stdin and stdout by default. There is no shared store
// and no session plane: the process is the session. Intended for local
// development and for wrapping the handler as a plain stdio MCP server.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/transport"
)

// Server reads frames line by line and delivers them to the handler.
type Server struct {
	handler transport.Handler
	trips   *transport.RoundTrips
	input   io.Reader
	output  io.Writer
	logger  *zap.Logger

	// writeMux serializes frames so handler responses and notifications
	// never interleave on the output stream.
	writeMux sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option mutates server settings.
type Option func(s *Server)

// WithInput overrides the input stream, stdin by default.
func WithInput(input io.Reader) Option {
	return func(s *Server) { s.input = input }
}

// WithOutput overrides the output stream, stdout by default.
func WithOutput(output io.Writer) Option {
	return func(s *Server) { s.output = output }
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the server and its handler. The server itself is the handler's
// transport, so server-initiated notifications and requests go straight to
// the output stream.
func New(ctx context.Context, newHandler transport.NewHandler, options ...Option) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	serverCtx = mcprelay.WithSession(serverCtx, "stdio")
	server := &Server{
		trips:  transport.NewRoundTrips(),
		input:  os.Stdin,
		output: os.Stdout,
		logger: zap.NewNop(),
		ctx:    serverCtx,
		cancel: cancel,
	}
	for _, option := range options {
		option(server)
	}
	server.handler = newHandler(serverCtx, server)
	return server
}

// ListenAndServe consumes input until EOF or context cancellation.
func (s *Server) ListenAndServe() error {
	defer s.cancel()
	defer s.trips.CloseWithError(fmt.Errorf("stdio server closed"))
	scanner := bufio.NewScanner(s.input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		s.handleFrame(frame)
	}
	return scanner.Err()
}

// Notify writes a server-initiated notification to the output stream.
func (s *Server) Notify(_ context.Context, notification *mcprelay.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return s.writeFrame(data)
}

// Send writes a server-initiated request and waits for the client response
// on the input stream.
func (s *Server) Send(ctx context.Context, request *mcprelay.Request) (*mcprelay.Response, error) {
	if request.Id == nil {
		return nil, fmt.Errorf("server request requires an id")
	}
	trip, err := s.trips.Add(request)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if err := s.writeFrame(data); err != nil {
		return nil, err
	}
	if err := trip.Wait(ctx, transport.DefaultTripTimeout); err != nil {
		return nil, fmt.Errorf("method %s: %w", request.Method, err)
	}
	return trip.Response, nil
}

func (s *Server) handleFrame(frame []byte) {
	message, err := mcprelay.ParseMessage(frame)
	if err != nil {
		s.logger.Warn("failed to parse inbound frame", zap.Error(err))
		s.writeError(mcprelay.NewParsingError(err.Error(), frame))
		return
	}
	switch message.Type {
	case mcprelay.MessageTypeRequest:
		s.serveRequest(message.Request)
	case mcprelay.MessageTypeNotification:
		if err := s.handler.OnNotification(s.ctx, message.Notification); err != nil {
			s.logger.Warn("notification handler failed",
				zap.String("method", message.Notification.Method), zap.Error(err))
		}
	case mcprelay.MessageTypeResponse:
		trip, err := s.trips.Match(message.Response.Id)
		if err != nil {
			s.logger.Warn("unmatched response", zap.Error(err))
			return
		}
		trip.SetResponse(message.Response)
	}
}

func (s *Server) serveRequest(request *mcprelay.Request) {
	response := &mcprelay.Response{Id: request.Id, Jsonrpc: mcprelay.Version}
	if serveErr := s.handler.Serve(s.ctx, request, response); serveErr != nil {
		response.Result = nil
		response.Error = serveErr
	}
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("failed to marshal response",
			zap.String("method", request.Method), zap.Error(err))
		return
	}
	if err := s.writeFrame(data); err != nil {
		s.logger.Warn("failed to write response",
			zap.String("method", request.Method), zap.Error(err))
	}
}

func (s *Server) writeError(rpcError *mcprelay.Error) {
	data, err := json.Marshal(&mcprelay.Response{Id: nil, Jsonrpc: mcprelay.Version, Error: rpcError})
	if err != nil {
		return
	}
	_ = s.writeFrame(data)
}

func (s *Server) writeFrame(frame []byte) error {
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	if _, err := s.output.Write(frame); err != nil {
		return err
	}
	_, err := s.output.Write([]byte("\n"))
	return err
}
