// Package streamable implements the client side of the streamable HTTP
// transport: POST for requests and notifications, GET for the notification
// stream, DELETE for teardown. The session id captured during initialize is
// replayed on every request, and the bearer token satisfies the relay's
// resource-server middleware.
package streamable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/viant/afs/url"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/transport"
)

const (
	sseMime                 = "text/event-stream"
	defaultSessionHeaderKey = "Mcp-Session-Id"
)

// RequestHandler answers a server-initiated request arriving on the stream.
// A nil response leaves the request unanswered.
type RequestHandler func(ctx context.Context, request *mcprelay.Request) *mcprelay.Response

// Client talks to a streamable HTTP MCP endpoint.
type Client struct {
	endpointURL string
	httpClient  *http.Client
	token       string
	sessionID   atomic.Value
	counter     uint64
	trips       *transport.RoundTrips
	sendTimeout time.Duration
	onRequest   RequestHandler

	// sessionHeaderName carries the session id; Mcp-Session-Id by default.
	sessionHeaderName string
}

// Option mutates Client.
type Option func(c *Client)

// WithHTTPClient allows a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithBearerToken sets the access token presented on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionHeaderName overrides the session id header name.
func WithSessionHeaderName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.sessionHeaderName = name
		}
	}
}

// WithSendTimeout bounds request round trips.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.sendTimeout = timeout
		}
	}
}

// WithRequestHandler installs the callback answering server-initiated
// requests delivered on the notification stream.
func WithRequestHandler(handler RequestHandler) Option {
	return func(c *Client) { c.onRequest = handler }
}

// WithSessionID resumes an existing session without a handshake.
func WithSessionID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.sessionID.Store(id)
		}
	}
}

// New creates a client for the MCP endpoint rooted at baseURL.
func New(baseURL string, options ...Option) *Client {
	client := &Client{
		endpointURL:       url.Join(baseURL, "mcp"),
		httpClient:        http.DefaultClient,
		trips:             transport.NewRoundTrips(),
		sendTimeout:       30 * time.Second,
		sessionHeaderName: defaultSessionHeaderKey,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// SessionID returns the session established by initialize, empty before.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Send posts a request and waits for the correlated response. Ids are
// assigned by the client.
func (c *Client) Send(ctx context.Context, request *mcprelay.Request) (*mcprelay.Response, error) {
	request.Id = atomic.AddUint64(&c.counter, 1)
	trip, err := c.trips.Add(request)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	if err := c.post(ctx, data); err != nil {
		return nil, err
	}
	if err := trip.Wait(ctx, c.sendTimeout); err != nil {
		return nil, fmt.Errorf("method %s: %w", request.Method, err)
	}
	return trip.Response, nil
}

// Notify posts a notification; the server answers 202 with no body.
func (c *Client) Notify(ctx context.Context, notification *mcprelay.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return c.post(ctx, data)
}

func (c *Client) post(ctx context.Context, frame []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	// The client must accept both forms for POST per the MCP spec.
	request.Header.Set("Accept", "application/json, "+sseMime)
	c.decorate(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer response.Body.Close()

	if sessionID := response.Header.Get(c.sessionHeaderName); sessionID != "" {
		c.sessionID.Store(sessionID)
	}
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil
	default:
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("invalid status code: %d: %s", response.StatusCode, string(body))
	}

	if strings.Contains(response.Header.Get("Content-Type"), sseMime) {
		return c.consumeEvents(ctx, bufio.NewReader(response.Body), nil)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		c.handleFrame(ctx, body, nil)
	}
	return nil
}

// Stream opens the GET notification stream and invokes onNotification for
// every server-initiated notification until the context is done.
func (c *Client) Stream(ctx context.Context, onNotification func(*mcprelay.Notification)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", sseMime)
	c.decorate(request)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stream invalid status: %d", response.StatusCode)
	}
	return c.consumeEvents(ctx, bufio.NewReader(response.Body), onNotification)
}

// Close tears the session down server side.
func (c *Client) Close(ctx context.Context) error {
	if c.SessionID() == "" {
		return nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpointURL, nil)
	if err != nil {
		return err
	}
	c.decorate(request)
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to close session: status %d", response.StatusCode)
	}
	c.trips.CloseWithError(fmt.Errorf("session closed"))
	return nil
}

func (c *Client) decorate(request *http.Request) {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sessionID := c.SessionID(); sessionID != "" {
		request.Header.Set(c.sessionHeaderName, sessionID)
	}
}

// consumeEvents reads message events off an SSE body until it ends.
func (c *Client) consumeEvents(ctx context.Context, reader *bufio.Reader, onNotification func(*mcprelay.Notification)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, err := readEvent(reader)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(data) > 0 {
			c.handleFrame(ctx, data, onNotification)
		}
	}
}

// handleFrame routes responses to their waiting trips, notifications to the
// stream callback and server-initiated requests to the request handler.
func (c *Client) handleFrame(ctx context.Context, frame []byte, onNotification func(*mcprelay.Notification)) {
	message, err := mcprelay.ParseMessage(frame)
	if err != nil {
		return
	}
	switch message.Type {
	case mcprelay.MessageTypeResponse:
		if trip, err := c.trips.Match(message.Response.Id); err == nil {
			trip.SetResponse(message.Response)
		}
	case mcprelay.MessageTypeNotification:
		if onNotification != nil {
			onNotification(message.Notification)
		}
	case mcprelay.MessageTypeRequest:
		c.answerRequest(ctx, message.Request)
	}
}

// answerRequest runs the request handler and posts its response back; without
// a handler the server's round trip times out on its side.
func (c *Client) answerRequest(ctx context.Context, request *mcprelay.Request) {
	if c.onRequest == nil {
		return
	}
	response := c.onRequest(ctx, request)
	if response == nil {
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	_ = c.post(ctx, data)
}

// readEvent reads one SSE event, returning its data payload.
func readEvent(reader *bufio.Reader) ([]byte, error) {
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) > 0 {
				return data, nil
			}
			continue
		}
		if value, found := strings.CutPrefix(line, "data: "); found {
			data = append(data, value...)
		}
	}
}
