package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mcp-gateway"
)

// serverVersion is set by cmd/serve.go (runServe) via SetServerVersion.
var serverVersion = "dev"

// SetServerVersion overrides the version advertised during initialize.
func SetServerVersion(v string) { serverVersion = v }

type jsonrpcError struct {
	Code    int
	Message string
}

func (e *jsonrpcError) Error() string { return e.Message }

// dispatcher implements the method surface from spec §4.4, delegating to
// the gateway/aggregator.
type dispatcher struct {
	gw *gateway.Gateway
}

func newDispatcher(gw *gateway.Gateway) *dispatcher {
	return &dispatcher{gw: gw}
}

// dispatch routes one JSON-RPC method call, returning either a result value
// to be JSON-encoded or a *jsonrpcError.
func (d *dispatcher) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return d.handleInitialize(params)
	case "tools/list":
		return d.handleToolsList()
	case "tools/call":
		return d.handleToolsCall(ctx, params)
	case "resources/list":
		return d.handleResourcesList()
	case "resources/read":
		return d.handleResourcesRead(ctx, params)
	case "completion/complete":
		return map[string]any{"completion": map[string]any{"values": []any{}, "total": 0, "hasMore": false}}, nil
	case "logging/setLevel":
		return d.handleSetLevel(params)
	case "ping":
		return map[string]any{}, nil
	default:
		return nil, &jsonrpcError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", method)}
	}
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

func (d *dispatcher) handleInitialize(raw json.RawMessage) (any, error) {
	var p initializeParams
	_ = json.Unmarshal(raw, &p)

	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": serverName, "version": serverVersion},
	}, nil
}

func (d *dispatcher) handleToolsList() (any, error) {
	tools := d.gw.Registry().Tools()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":        t.Prefixed,
			"description": t.Description,
			"inputSchema": schema,
		})
	}
	return map[string]any{"tools": out}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *dispatcher) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var p toolsCallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &jsonrpcError{Code: -32602, Message: "invalid params: " + err.Error()}
	}

	result, err := d.gw.ExecuteTool(ctx, p.Name, p.Arguments, 0)
	if err != nil {
		return nil, &jsonrpcError{Code: gwerrors.JSONRPCCode(err), Message: err.Error()}
	}

	if result.Err != nil {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": result.Err.Error()}},
			"isError": true,
		}, nil
	}

	text := result.Result.Text
	if text == "" {
		if b, err := json.Marshal(result.Result.Raw); err == nil {
			text = string(b)
		}
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": result.Result.IsError,
	}, nil
}

func (d *dispatcher) handleResourcesList() (any, error) {
	resources := d.gw.Registry().Resources()
	out := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		out = append(out, map[string]any{
			"uri":         r.Prefixed,
			"name":        r.Prefixed,
			"description": r.Description,
			"mimeType":    r.MimeType,
		})
	}
	return map[string]any{"resources": out}, nil
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (d *dispatcher) handleResourcesRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var p resourcesReadParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &jsonrpcError{Code: -32602, Message: "invalid params: " + err.Error()}
	}

	result, err := d.gw.AccessResource(ctx, p.URI)
	if err != nil {
		return nil, &jsonrpcError{Code: gwerrors.JSONRPCCode(err), Message: err.Error()}
	}
	if result.Err != nil {
		return nil, &jsonrpcError{Code: -32603, Message: result.Err.Error()}
	}

	contents := make([]map[string]any, 0, len(result.Result.Contents))
	for _, c := range result.Result.Contents {
		contents = append(contents, map[string]any{"uri": c.URI, "mimeType": c.MimeType, "text": c.Text})
	}
	return map[string]any{"contents": contents}, nil
}

type setLevelParams struct {
	Level string `json:"level"`
}

func (d *dispatcher) handleSetLevel(raw json.RawMessage) (any, error) {
	var p setLevelParams
	_ = json.Unmarshal(raw, &p)
	logging.SetLevel(logging.ParseLevel(p.Level))
	return map[string]any{}, nil
}
