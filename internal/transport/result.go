package transport

import (
	"encoding/json"

	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
)

// contentBlock mirrors the MCP "content" array entry shape used by
// tools/call results.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// decodeCallResult unwraps a tools/call result. For Fast upstreams the first
// text content block is surfaced as Text for convenience (spec §4.1
// "response unwrapping").
func decodeCallResult(raw json.RawMessage, framework model.Framework) (*CallResult, error) {
	var payload struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &gwerrors.ProtocolError{Reason: "malformed tools/call result: " + err.Error()}
	}

	var rawMap map[string]any
	_ = json.Unmarshal(raw, &rawMap)

	result := &CallResult{Raw: rawMap, IsError: payload.IsError}
	if framework == model.FrameworkFast {
		for _, block := range payload.Content {
			if block.Type == "text" {
				result.Text = block.Text
				break
			}
		}
	}
	return result, nil
}

// decodeReadResult decodes a resources/read result's "contents" array.
func decodeReadResult(raw json.RawMessage) (*ReadResult, error) {
	var payload struct {
		Contents []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &gwerrors.ProtocolError{Reason: "malformed resources/read result: " + err.Error()}
	}
	out := &ReadResult{}
	for _, c := range payload.Contents {
		out.Contents = append(out.Contents, ResourceContent{URI: c.URI, MimeType: c.MimeType, Text: c.Text})
	}
	return out, nil
}
