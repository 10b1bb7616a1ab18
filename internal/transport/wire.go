package transport

import "encoding/json"

// jsonrpcVersion is the fixed JSON-RPC 2.0 marker carried on every frame.
const jsonrpcVersion = "2.0"

// protocolVersion is the MCP protocol version this gateway declares during
// the initialize handshake (spec §4.1).
const protocolVersion = "2024-11-05"

// request is an outbound JSON-RPC request or notification. A request
// carries a non-empty ID; a notification omits it entirely so it is dropped
// from the marshaled frame (spec: "Notifications carry no id").
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC message: a result, an error, or (if Method
// is set) a server-to-client notification/request that carries no matching
// pending entry.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// idString renders the JSON-RPC id (string or number) as a plain string for
// pending-request map lookups.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func newRequest(id, method string, params any) request {
	return request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

func newNotification(method string, params any) request {
	return request{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// clientCapabilities is the minimal capability object the gateway declares
// as an MCP client when initializing an upstream (spec §4.1).
type clientCapabilities struct {
	Roots    map[string]any `json:"roots"`
	Sampling map[string]any `json:"sampling"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"capabilities"`
	ClientInfo      implementation     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      implementation `json:"serverInfo"`
}
