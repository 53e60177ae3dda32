// Package handler provides a small MCP handler with a couple of built-in
// tools. It backs the bundled server binary and the end-to-end tests; real
// deployments supply their own transport.NewHandler.
package handler

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/viant/mcprelay"
	"github.com/viant/mcprelay/transport"
)

// ProtocolVersion is the MCP revision this handler speaks.
const ProtocolVersion = "2024-11-05"

// Handler answers the core MCP methods and two demonstration tools.
type Handler struct {
	transport transport.Transport
	name      string
	version   string
}

// New creates the handler factory for the given server identity.
func New(name, version string) transport.NewHandler {
	return func(_ context.Context, t transport.Transport) transport.Handler {
		return &Handler{transport: t, name: name, version: version}
	}
}

// Serve dispatches a single MCP request.
func (h *Handler) Serve(ctx context.Context, request *mcprelay.Request, response *mcprelay.Response) *mcprelay.Error {
	switch request.Method {
	case "initialize":
		return h.initialize(response)
	case "ping":
		response.Result = []byte(`{}`)
		return nil
	case "tools/list":
		return h.listTools(response)
	case "tools/call":
		return h.callTool(request, response)
	default:
		return mcprelay.NewMethodNotFound(fmt.Sprintf("method not found: %s", request.Method), nil)
	}
}

// OnNotification accepts client notifications; none require action here.
func (h *Handler) OnNotification(context.Context, *mcprelay.Notification) *mcprelay.Error {
	return nil
}

// OnError receives protocol-level errors from the transport.
func (h *Handler) OnError(context.Context, *mcprelay.Error) *mcprelay.Error {
	return nil
}

func (h *Handler) initialize(response *mcprelay.Response) *mcprelay.Error {
	result, err := json.Marshal(map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]string{
			"name":    h.name,
			"version": h.version,
		},
	})
	if err != nil {
		return mcprelay.NewInternalError(err.Error(), nil)
	}
	response.Result = result
	return nil
}

func (h *Handler) listTools(response *mcprelay.Response) *mcprelay.Error {
	result, err := json.Marshal(map[string]interface{}{
		"tools": []map[string]interface{}{
			{
				"name":        "echo",
				"description": "Echoes the supplied text back",
				"inputSchema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"text": map[string]string{"type": "string"}},
					"required":   []string{"text"},
				},
			},
			{
				"name":        "add",
				"description": "Adds two numbers",
				"inputSchema": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"a": map[string]string{"type": "number"},
						"b": map[string]string{"type": "number"},
					},
					"required": []string{"a", "b"},
				},
			},
		},
	})
	if err != nil {
		return mcprelay.NewInternalError(err.Error(), nil)
	}
	response.Result = result
	return nil
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) callTool(request *mcprelay.Request, response *mcprelay.Response) *mcprelay.Error {
	params := &callParams{}
	if err := json.Unmarshal(request.Params, params); err != nil {
		return mcprelay.NewInvalidParamsError("malformed tools/call params", nil)
	}
	var text string
	switch params.Name {
	case "echo":
		arguments := struct {
			Text string `json:"text"`
		}{}
		if err := json.Unmarshal(params.Arguments, &arguments); err != nil {
			return mcprelay.NewInvalidParamsError("echo requires a text argument", nil)
		}
		text = arguments.Text
	case "add":
		arguments := struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}{}
		if err := json.Unmarshal(params.Arguments, &arguments); err != nil {
			return mcprelay.NewInvalidParamsError("add requires numeric a and b", nil)
		}
		text = fmt.Sprintf("%v", arguments.A+arguments.B)
	default:
		return mcprelay.NewInvalidParamsError(fmt.Sprintf("unknown tool: %s", params.Name), nil)
	}
	result, err := json.Marshal(map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		return mcprelay.NewInternalError(err.Error(), nil)
	}
	response.Result = result
	return nil
}
