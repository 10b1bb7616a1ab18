package endpoint

import "encoding/json"

const jsonrpcVersion = "2.0"

// inbound is a downstream-client JSON-RPC request or notification, per
// spec §4.4.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// outbound is a server-to-client JSON-RPC response or notification.
type outbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *outboundError  `json:"error,omitempty"`
}

type outboundError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func resultFrame(id json.RawMessage, result any) outbound {
	return outbound{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorFrame(id json.RawMessage, code int, message string) outbound {
	return outbound{JSONRPC: jsonrpcVersion, ID: id, Error: &outboundError{Code: code, Message: message}}
}

func notificationFrame(method string, params any) outbound {
	return outbound{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

func marshal(o outbound) []byte {
	b, err := json.Marshal(o)
	if err != nil {
		// outbound always serializes cleanly; a failure here means a
		// caller embedded something non-JSON-able in Result, a programmer
		// error worth surfacing loudly rather than silently dropping.
		panic("endpoint: failed to marshal outbound frame: " + err.Error())
	}
	return b
}
