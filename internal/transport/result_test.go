package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// TestDecodeCallResultStandardLeavesTextEmpty proves the scenario-1 wire
// contract directly: a real Standard-framework tools/call result decodes
// with Text left empty and the full payload preserved in Raw, so callers
// (dispatch.go) fall back to marshaling the whole raw object rather than a
// pre-populated convenience string.
func TestDecodeCallResultStandardLeavesTextEmpty(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"hello"}],"isError":false}`)

	result, err := decodeCallResult(raw, model.FrameworkStandard)
	require.NoError(t, err)

	assert.Empty(t, result.Text, "Standard framework results are not unwrapped into Text")
	assert.False(t, result.IsError)
	content := result.Raw["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hello", content[0].(map[string]any)["text"])
}

func TestDecodeCallResultFastUnwrapsFirstTextBlock(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"image","text":""},{"type":"text","text":"hello"}]}`)

	result, err := decodeCallResult(raw, model.FrameworkFast)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text, "Fast framework results surface the first text block for convenience")
}

func TestDecodeCallResultMarksIsError(t *testing.T) {
	raw := json.RawMessage(`{"content":[],"isError":true}`)

	result, err := decodeCallResult(raw, model.FrameworkStandard)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDecodeCallResultMalformedReturnsProtocolError(t *testing.T) {
	_, err := decodeCallResult(json.RawMessage(`not json`), model.FrameworkStandard)
	assert.Error(t, err)
}

func TestDecodeReadResultUnwrapsContents(t *testing.T) {
	raw := json.RawMessage(`{"contents":[{"uri":"file:///a.txt","mimeType":"text/plain","text":"hi"}]}`)

	result, err := decodeReadResult(raw)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "file:///a.txt", result.Contents[0].URI)
	assert.Equal(t, "hi", result.Contents[0].Text)
}
