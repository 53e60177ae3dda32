package mcprelay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	testCases := []struct {
		description string
		data        string
		expect      MessageType
	}{
		{
			description: "request carries id and method",
			data:        `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			expect:      MessageTypeRequest,
		},
		{
			description: "notification carries no id",
			data:        `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			expect:      MessageTypeNotification,
		},
		{
			description: "response carries id and no method",
			data:        `{"jsonrpc":"2.0","id":1,"result":{}}`,
			expect:      MessageTypeResponse,
		},
		{
			description: "string id request",
			data:        `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			expect:      MessageTypeRequest,
		},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, TypeOf([]byte(testCase.data)), testCase.description)
	}
}

func TestParseMessage(t *testing.T) {
	message, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo"}}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeRequest, message.Type)
	assert.Equal(t, "tools/call", message.Method())
	assert.Equal(t, float64(3), message.Id())

	message, err = ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeResponse, message.Type)
	assert.JSONEq(t, `{"ok":true}`, string(message.Response.Result))

	message, err = ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/message"}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeNotification, message.Type)
	assert.Nil(t, message.Id())
}

func TestRequest_UnmarshalRequiredFields(t *testing.T) {
	request := &Request{}
	assert.Error(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), request))
	assert.Error(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), request))
	assert.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), request))
}

func TestNotification_RejectsId(t *testing.T) {
	notification := &Notification{}
	assert.Error(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), notification))
	assert.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), notification))
}

func TestResponse_RequiresResultOrError(t *testing.T) {
	response := &Response{}
	assert.Error(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), response))
	assert.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), response))
	assert.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"x"}}`), response))
}

// Integral JSON ids must format identically whatever Go type carries them, or
// the publisher and subscriber of a reply channel would disagree on its name.
func TestFormatRequestId(t *testing.T) {
	assert.Equal(t, "42", FormatRequestId(float64(42)))
	assert.Equal(t, "42", FormatRequestId(int(42)))
	assert.Equal(t, "42", FormatRequestId(int64(42)))
	assert.Equal(t, "42", FormatRequestId(uint64(42)))
	assert.Equal(t, "42", FormatRequestId(json.Number("42")))
	assert.Equal(t, "abc", FormatRequestId("abc"))
	assert.Equal(t, "", FormatRequestId(nil))
	assert.Equal(t, "1.5", FormatRequestId(float64(1.5)))

	// Round trip through JSON decoding yields the same key.
	var decoded struct {
		Id RequestId `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":7}`), &decoded))
	assert.Equal(t, FormatRequestId(uint64(7)), FormatRequestId(decoded.Id))
}

func TestNewAuthUnavailableError(t *testing.T) {
	err := NewAuthUnavailableError("retry shortly")
	assert.Equal(t, AuthUnavailableError, err.Code)
	assert.Equal(t, "Authentication service unavailable", err.Message)
	assert.Equal(t, map[string]string{"hint": "retry shortly"}, err.Data)

	bare := NewAuthUnavailableError("")
	assert.Nil(t, bare.Data)
}
