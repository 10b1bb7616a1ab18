package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/aggregator"
	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/internal/transport"
)

type fakeTransport struct {
	tools []model.Tool
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error  { return nil }
func (f *fakeTransport) ListTools(ctx context.Context) ([]model.Tool, error) {
	return f.tools, nil
}
func (f *fakeTransport) ListResources(ctx context.Context) ([]model.Resource, error) {
	return nil, nil
}
func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error) {
	return &transport.CallResult{Text: "hello from " + name}, nil
}
func (f *fakeTransport) ReadResource(ctx context.Context, uri string) (*transport.ReadResult, error) {
	return &transport.ReadResult{}, nil
}
func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeTransport) IsRunning() bool                       { return true }
func (f *fakeTransport) Framework() model.Framework            { return model.FrameworkStandard }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw := gateway.New(aggregator.ByName, func(cfg *model.UpstreamConfig) transport.Transport {
		return &fakeTransport{tools: []model.Tool{{Name: "read_file"}}}
	}, gateway.Settings{})
	gw.LoadUpstreams([]*model.UpstreamConfig{{Name: "alpha", Command: "echo"}}, nil)
	require.NoError(t, gw.EnableUpstream(context.Background(), "alpha"))
	return New(gw, true)
}

func doPost(t *testing.T, s *Server, body string, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestInitializeWithoutSSEReturnsInlineResult(t *testing.T) {
	s := newTestServer(t)
	rec := doPost(t, s, `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(sessionHeader))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	result := resp["result"].(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
}

func TestToolsListReturnsPrefixedNames(t *testing.T) {
	s := newTestServer(t)
	initRec := doPost(t, s, `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`, "")
	sid := initRec.Header().Get(sessionHeader)

	rec := doPost(t, s, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`, sid)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	tools := resp["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha.read_file", tools[0].(map[string]any)["name"])
}

func TestToolsCallWrapsContent(t *testing.T) {
	s := newTestServer(t)
	initRec := doPost(t, s, `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`, "")
	sid := initRec.Header().Get(sessionHeader)

	rec := doPost(t, s, `{"jsonrpc":"2.0","id":"3","method":"tools/call","params":{"name":"alpha.read_file","arguments":{}}}`, sid)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	content := resp["result"].(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Contains(t, content[0].(map[string]any)["text"], "read_file")
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	initRec := doPost(t, s, `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`, "")
	sid := initRec.Header().Get(sessionHeader)

	rec := doPost(t, s, `{"jsonrpc":"2.0","id":"4","method":"nonexistent"}`, sid)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestNotificationsGet202WithNoBody(t *testing.T) {
	s := newTestServer(t)
	rec := doPost(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "some-session")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestAutoSessionEscapeHatch(t *testing.T) {
	s := newTestServer(t)
	rec := doPost(t, s, `{"jsonrpc":"2.0","id":"9","method":"ping"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "result")
}

func TestOAuthWellKnownReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSEStreamEmitsEndpointThenReady(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: endpoint\n"))
	assert.Contains(t, body, "notifications/ready")
}
