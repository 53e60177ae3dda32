package streamable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/auth"
	"github.com/viant/mcprelay/session"
	"github.com/viant/mcprelay/store"
	"github.com/viant/mcprelay/transport"
	server "github.com/viant/mcprelay/transport/server/http/streamable"
)

type echoHandler struct {
	transport transport.Transport
	elicited  chan *mcprelay.Response
}

func (h *echoHandler) Serve(ctx context.Context, request *mcprelay.Request, response *mcprelay.Response) *mcprelay.Error {
	switch request.Method {
	case "initialize":
		response.Result, _ = json.Marshal(map[string]string{"protocolVersion": "2024-11-05"})
	case "ping":
		response.Result = []byte(`{}`)
	case "announce":
		notification, _ := mcprelay.NewNotification("notifications/message", map[string]string{"level": "info"})
		_ = h.transport.Notify(ctx, notification)
		response.Result = []byte(`{}`)
	case "elicit":
		// The server round trip must run off the dispatch goroutine or the
		// client's answer could never be delivered.
		go func() {
			serverRequest, _ := mcprelay.NewRequest("roll", nil)
			serverRequest.Id = "srv-1"
			reply, err := h.transport.Send(ctx, serverRequest)
			if err == nil {
				h.elicited <- reply
			}
		}()
		response.Result = []byte(`{}`)
	default:
		return mcprelay.NewMethodNotFound("method not found: "+request.Method, nil)
	}
	return nil
}

func (h *echoHandler) OnNotification(context.Context, *mcprelay.Notification) *mcprelay.Error {
	return nil
}

func (h *echoHandler) OnError(context.Context, *mcprelay.Error) *mcprelay.Error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, store.Store, chan *mcprelay.Response) {
	t.Helper()
	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := store.NewRedisStoreWithClient(client)

	elicited := make(chan *mcprelay.Response, 1)
	handler := server.New(shared, func(_ context.Context, t transport.Transport) transport.Handler {
		return &echoHandler{transport: t, elicited: elicited}
	}, server.WithReplyTimeout(5*time.Second))

	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &auth.Identity{Token: "tok-u1", UserID: "u1", ClientID: "c1"}
		handler.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	}))
	t.Cleanup(httpServer.Close)
	return httpServer, shared, elicited
}

func TestClient_InitializeCapturesSession(t *testing.T) {
	httpServer, _, _ := newTestServer(t)
	client := New(httpServer.URL, WithBearerToken("tok-u1"))

	request, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	response, err := client.Send(context.Background(), request)
	require.NoError(t, err)
	require.Nil(t, response.Error)
	assert.Contains(t, string(response.Result), "protocolVersion")
	assert.NotEmpty(t, client.SessionID())
}

func TestClient_SendAfterInitialize(t *testing.T) {
	httpServer, _, _ := newTestServer(t)
	client := New(httpServer.URL, WithBearerToken("tok-u1"))

	initialize, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), initialize)
	require.NoError(t, err)

	ping, err := mcprelay.NewRequest("ping", nil)
	require.NoError(t, err)
	response, err := client.Send(context.Background(), ping)
	require.NoError(t, err)
	require.Nil(t, response.Error)
	assert.JSONEq(t, `{}`, string(response.Result))
}

func TestClient_NotifyAccepted(t *testing.T) {
	httpServer, _, _ := newTestServer(t)
	client := New(httpServer.URL, WithBearerToken("tok-u1"))

	initialize, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), initialize)
	require.NoError(t, err)

	notification, err := mcprelay.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.NoError(t, client.Notify(context.Background(), notification))
}

func TestClient_StreamReceivesNotifications(t *testing.T) {
	httpServer, _, _ := newTestServer(t)
	client := New(httpServer.URL, WithBearerToken("tok-u1"))

	initialize, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), initialize)
	require.NoError(t, err)

	received := make(chan *mcprelay.Notification, 1)
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- client.Stream(streamCtx, func(notification *mcprelay.Notification) {
			select {
			case received <- notification:
			default:
			}
		})
	}()
	// Give the GET stream a moment to attach before triggering the push.
	time.Sleep(100 * time.Millisecond)

	announce, err := mcprelay.NewRequest("announce", nil)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), announce)
	require.NoError(t, err)

	select {
	case notification := <-received:
		assert.Equal(t, "notifications/message", notification.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered over the stream")
	}
	cancelStream()
	require.NoError(t, <-streamDone)
}

func TestClient_CloseTearsSessionDown(t *testing.T) {
	httpServer, shared, _ := newTestServer(t)
	client := New(httpServer.URL, WithBearerToken("tok-u1"))

	initialize, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), initialize)
	require.NoError(t, err)
	sessionID := client.SessionID()
	require.NotEmpty(t, sessionID)

	require.NoError(t, client.Close(context.Background()))

	directory := session.NewDirectory(shared)
	deadline := time.Now().Add(2 * time.Second)
	live := true
	for time.Now().Before(deadline) {
		live, err = directory.IsLive(context.Background(), sessionID)
		require.NoError(t, err)
		if !live {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, live)
}

func TestClient_AnswersServerInitiatedRequest(t *testing.T) {
	httpServer, _, elicited := newTestServer(t)
	asked := make(chan *mcprelay.Request, 1)
	client := New(httpServer.URL, WithBearerToken("tok-u1"),
		WithRequestHandler(func(_ context.Context, request *mcprelay.Request) *mcprelay.Response {
			select {
			case asked <- request:
			default:
			}
			return mcprelay.NewResponse(request.Id, []byte(`{"rolled":4}`))
		}))

	initialize, err := mcprelay.NewRequest("initialize", map[string]interface{}{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), initialize)
	require.NoError(t, err)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- client.Stream(streamCtx, nil)
	}()
	// Give the GET stream a moment to attach before triggering the push.
	time.Sleep(100 * time.Millisecond)

	elicit, err := mcprelay.NewRequest("elicit", nil)
	require.NoError(t, err)
	_, err = client.Send(context.Background(), elicit)
	require.NoError(t, err)

	select {
	case reply := <-elicited:
		require.Nil(t, reply.Error)
		assert.Contains(t, string(reply.Result), "rolled")
	case <-time.After(5 * time.Second):
		t.Fatal("server round trip never completed")
	}
	request := <-asked
	assert.Equal(t, "roll", request.Method)
	cancelStream()
	require.NoError(t, <-streamDone)
}
