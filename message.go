package mcprelay

import (
	"encoding/json"
	"errors"

	gojson "github.com/goccy/go-json"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// Message is a wrapper around the different types of JSON-RPC messages.
type Message struct {
	Type         MessageType
	Request      *Request
	Notification *Notification
	Response     *Response
	Error        *Error
}

// Method returns the request or notification method, empty otherwise.
func (m *Message) Method() string {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Method
	case MessageTypeNotification:
		return m.Notification.Method
	default:
		return ""
	}
}

// Id returns the correlation id carried by the message, nil for notifications.
func (m *Message) Id() RequestId {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Id
	case MessageTypeResponse:
		return m.Response.Id
	default:
		return nil
	}
}

// MarshalJSON is a custom JSON marshaler for the Message type.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.Request)
	case MessageTypeNotification:
		return json.Marshal(m.Notification)
	case MessageTypeResponse:
		return json.Marshal(m.Response)
	case MessageTypeError:
		return json.Marshal(m.Error)
	default:
		return nil, errors.New("unknown message type, couldn't marshal")
	}
}

// NewNotificationMessage creates a new JSON-RPC message of type Notification.
func NewNotificationMessage(notification *Notification) *Message {
	return &Message{Type: MessageTypeNotification, Notification: notification}
}

// NewRequestMessage creates a new JSON-RPC message of type Request.
func NewRequestMessage(request *Request) *Message {
	return &Message{Type: MessageTypeRequest, Request: request}
}

// NewResponseMessage creates a new JSON-RPC message of type Response.
func NewResponseMessage(response *Response) *Message {
	return &Message{Type: MessageTypeResponse, Response: response}
}

// ParseMessage decodes raw data into a typed Message based on a shape probe.
func ParseMessage(data []byte) (*Message, error) {
	switch TypeOf(data) {
	case MessageTypeRequest:
		request := &Request{}
		if err := gojson.Unmarshal(data, request); err != nil {
			return nil, err
		}
		return NewRequestMessage(request), nil
	case MessageTypeResponse:
		response := &Response{}
		if err := gojson.Unmarshal(data, response); err != nil {
			return nil, err
		}
		return NewResponseMessage(response), nil
	default:
		notification := &Notification{}
		if err := gojson.Unmarshal(data, notification); err != nil {
			return nil, err
		}
		return NewNotificationMessage(notification), nil
	}
}

// TypeOf returns the message type of raw frame data.
func TypeOf(data []byte) MessageType {
	probe := &probe{}
	_ = gojson.Unmarshal(data, probe)
	if probe.Id == nil {
		return MessageTypeNotification
	}
	if probe.Method != "" {
		return MessageTypeRequest
	}
	return MessageTypeResponse
}

type probe struct {
	Id     RequestId `json:"id"`
	Method string    `json:"method"`
}
