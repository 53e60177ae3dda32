package mcprelay

import (
	"encoding/json"
	"errors"
)

// RequestId is the type used to represent the id of a JSON-RPC request.
type RequestId any

// Error carries additional information about a JSON-RPC failure.
type Error struct {
	// Code is the error type that occurred.
	Code int `json:"code"`

	// Data holds sender-defined detail (nested errors, offending payload etc).
	Data interface{} `json:"data,omitempty"`

	// Message is a concise, single sentence description of the error.
	Message string `json:"message"`
}

// Request represents a JSON-RPC request message.
type Request struct {
	Id RequestId `json:"id"`

	Jsonrpc string `json:"jsonrpc"`

	Method string `json:"method"`

	// Params is kept raw so the protocol layer can unmarshal into its own types.
	Params json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON is a custom JSON unmarshaler for the Request type.
func (m *Request) UnmarshalJSON(data []byte) error {
	required := struct {
		Id      *RequestId       `json:"id"`
		Jsonrpc *string          `json:"jsonrpc"`
		Method  *string          `json:"method"`
		Params  *json.RawMessage `json:"params"`
	}{}
	err := json.Unmarshal(data, &required)
	if err != nil {
		return err
	}
	if required.Id == nil {
		return errors.New("field id in Request: required")
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Request: required")
	}
	if required.Method == nil {
		return errors.New("field method in Request: required")
	}
	if required.Params == nil {
		required.Params = new(json.RawMessage)
	}
	m.Id = *required.Id
	m.Jsonrpc = *required.Jsonrpc
	m.Method = *required.Method
	m.Params = *required.Params
	return nil
}

// Notification is a JSON-RPC message that carries no id and elicits no reply.
type Notification struct {
	Jsonrpc string `json:"jsonrpc"`

	Method string `json:"method"`

	Params json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON is a custom JSON unmarshaler for the Notification type.
func (m *Notification) UnmarshalJSON(data []byte) error {
	required := struct {
		Jsonrpc *string          `json:"jsonrpc"`
		Method  *string          `json:"method"`
		Id      *json.RawMessage `json:"id"`
		Params  json.RawMessage  `json:"params"`
	}{}
	err := json.Unmarshal(data, &required)
	if err != nil {
		return err
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Notification: required")
	}
	if required.Method == nil {
		return errors.New("field method in Notification: required")
	}
	if required.Id != nil {
		return errors.New("field id in Notification: not allowed")
	}
	m.Jsonrpc = *required.Jsonrpc
	m.Method = *required.Method
	m.Params = required.Params
	return nil
}

// Response represents a JSON-RPC response message.
type Response struct {
	Id RequestId `json:"id"`

	Jsonrpc string `json:"jsonrpc"`

	Error *Error `json:"error,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// NewResponse creates a new Response with the supplied id and result payload.
func NewResponse(id RequestId, data []byte) *Response {
	return &Response{
		Id:      id,
		Jsonrpc: Version,
		Result:  data,
	}
}

// UnmarshalJSON is a custom JSON unmarshaler for the Response type.
func (m *Response) UnmarshalJSON(data []byte) error {
	required := struct {
		Id      *RequestId       `json:"id"`
		Jsonrpc *string          `json:"jsonrpc"`
		Result  *json.RawMessage `json:"result"`
		Error   *Error           `json:"error"`
	}{}
	err := json.Unmarshal(data, &required)
	if err != nil {
		return err
	}
	if required.Id == nil {
		return errors.New("field id in Response: required")
	}
	if required.Jsonrpc == nil {
		return errors.New("field jsonrpc in Response: required")
	}
	m.Id = *required.Id
	m.Jsonrpc = *required.Jsonrpc
	if required.Result != nil {
		m.Result = *required.Result
	}
	m.Error = required.Error
	if required.Result == nil && required.Error == nil {
		return errors.New("field result in Response: required")
	}
	return nil
}

// NewRequest creates a request for the given method, marshaling parameters when needed.
func NewRequest(method string, parameters interface{}) (*Request, error) {
	req := &Request{Jsonrpc: Version, Method: method}
	var err error
	req.Params, err = asParameters(method, parameters)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// NewNotification creates a notification for the given method.
func NewNotification(method string, parameters interface{}) (*Notification, error) {
	ret := &Notification{Jsonrpc: Version, Method: method}
	var err error
	ret.Params, err = asParameters(method, parameters)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func asParameters(method string, parameters interface{}) (json.RawMessage, error) {
	switch actual := parameters.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(actual), nil
	case []byte:
		return actual, nil
	case json.RawMessage:
		return actual, nil
	default:
		data, err := json.Marshal(actual)
		if err != nil {
			return nil, errors.New("failed to marshal parameters for " + method)
		}
		return data, nil
	}
}
