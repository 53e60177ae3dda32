package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/transport"
)

type pingHandler struct {
	transport transport.Transport
}

func (h *pingHandler) Serve(ctx context.Context, request *mcprelay.Request, response *mcprelay.Response) *mcprelay.Error {
	switch request.Method {
	case "ping":
		response.Result = []byte(`{}`)
	case "announce":
		notification, _ := mcprelay.NewNotification("notifications/message", nil)
		_ = h.transport.Notify(ctx, notification)
		response.Result = []byte(`{}`)
	default:
		return mcprelay.NewMethodNotFound("method not found: "+request.Method, nil)
	}
	return nil
}

func (h *pingHandler) OnNotification(context.Context, *mcprelay.Notification) *mcprelay.Error {
	return nil
}

func (h *pingHandler) OnError(context.Context, *mcprelay.Error) *mcprelay.Error {
	return nil
}

// startServer wires the server to in-memory pipes standing in for stdin and
// stdout and returns the client ends.
func startServer(t *testing.T) (io.Writer, *bufio.Scanner) {
	t.Helper()
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	server := New(context.Background(), func(_ context.Context, tr transport.Transport) transport.Handler {
		return &pingHandler{transport: tr}
	}, WithInput(inReader), WithOutput(outWriter))

	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe() }()
	t.Cleanup(func() {
		_ = inWriter.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop on EOF")
		}
	})
	return inWriter, bufio.NewScanner(outReader)
}

func readFrame(t *testing.T, scanner *bufio.Scanner) []byte {
	t.Helper()
	require.True(t, scanner.Scan(), scanner.Err())
	return scanner.Bytes()
}

func TestServer_RequestResponse(t *testing.T) {
	in, out := startServer(t)
	_, err := io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.NoError(t, err)

	response := &mcprelay.Response{}
	require.NoError(t, json.Unmarshal(readFrame(t, out), response))
	assert.Equal(t, float64(1), response.Id)
	assert.JSONEq(t, `{}`, string(response.Result))
}

func TestServer_UnknownMethod(t *testing.T) {
	in, out := startServer(t)
	_, err := io.WriteString(in, `{"jsonrpc":"2.0","id":2,"method":"nope"}`+"\n")
	require.NoError(t, err)

	response := &mcprelay.Response{}
	require.NoError(t, json.Unmarshal(readFrame(t, out), response))
	require.NotNil(t, response.Error)
	assert.Equal(t, mcprelay.MethodNotFound, response.Error.Code)
}

func TestServer_NotificationBeforeResponse(t *testing.T) {
	in, out := startServer(t)
	_, err := io.WriteString(in, `{"jsonrpc":"2.0","id":3,"method":"announce"}`+"\n")
	require.NoError(t, err)

	// The handler pushes the notification before it answers.
	notification := &mcprelay.Notification{}
	require.NoError(t, json.Unmarshal(readFrame(t, out), notification))
	assert.Equal(t, "notifications/message", notification.Method)

	response := &mcprelay.Response{}
	require.NoError(t, json.Unmarshal(readFrame(t, out), response))
	assert.Equal(t, float64(3), response.Id)
}

func TestServer_EmptyLinesIgnored(t *testing.T) {
	in, out := startServer(t)
	_, err := io.WriteString(in, "\n\n"+`{"jsonrpc":"2.0","id":4,"method":"ping"}`+"\n")
	require.NoError(t, err)

	response := &mcprelay.Response{}
	require.NoError(t, json.Unmarshal(readFrame(t, out), response))
	assert.Equal(t, float64(4), response.Id)
}
