package transport

import (
	"encoding/json"

	"github.com/viant/mcprelay"
)

// EnvelopeTypeMCP marks an envelope carrying an MCP frame.
const EnvelopeTypeMCP = "mcp"

// Envelope wraps an outbound MCP frame published on a reply or stream channel.
type Envelope struct {
	Type    string           `json:"type"`
	Message json.RawMessage  `json:"message"`
	Options *EnvelopeOptions `json:"options,omitempty"`
}

// EnvelopeOptions carries correlation metadata for the enclosed frame.
type EnvelopeOptions struct {
	RelatedRequestId mcprelay.RequestId `json:"relatedRequestId,omitempty"`
}

// NewEnvelope wraps an already-marshaled frame.
func NewEnvelope(message []byte, options *EnvelopeOptions) *Envelope {
	return &Envelope{Type: EnvelopeTypeMCP, Message: message, Options: options}
}

// ParseEnvelope decodes an envelope payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(data, envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}
