// Package e2e exercises the seed end-to-end scenarios from spec §8 against
// the gateway/aggregator/endpoint stack wired together the way cmd/serve.go
// wires them, substituting fake Transports for real child processes/HTTP
// servers so the scenarios run without a network or subprocess.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/aggregator"
	"github.com/giantswarm/mcp-gateway/internal/endpoint"
	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/internal/transport"
)

// scriptedTransport is a controllable fake upstream transport used to drive
// the seed scenarios without a real subprocess or HTTP server.
type scriptedTransport struct {
	mu        sync.Mutex
	tools     []model.Tool
	running   bool
	startErr  error
	healthErr error
	callFunc  func(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error)
}

func (s *scriptedTransport) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.healthErr != nil {
		// A reconnect attempt against a still-unhealthy upstream fails the
		// same way the original connection would.
		return s.healthErr
	}
	s.running = true
	return nil
}
func (s *scriptedTransport) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}
func (s *scriptedTransport) ListTools(ctx context.Context) ([]model.Tool, error) {
	return s.tools, nil
}
func (s *scriptedTransport) ListResources(ctx context.Context) ([]model.Resource, error) {
	return nil, nil
}
func (s *scriptedTransport) CallTool(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error) {
	if s.callFunc != nil {
		return s.callFunc(ctx, name, args)
	}
	return &transport.CallResult{Text: `"` + name + `"`}, nil
}
func (s *scriptedTransport) ReadResource(ctx context.Context, uri string) (*transport.ReadResult, error) {
	return &transport.ReadResult{}, nil
}
func (s *scriptedTransport) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}
func (s *scriptedTransport) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
func (s *scriptedTransport) Framework() model.Framework { return model.FrameworkStandard }

func (s *scriptedTransport) setHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// Scenario 1: stdio upstream round-trip via the client-facing endpoint.
func TestScenarioStdioRoundTrip(t *testing.T) {
	echo := &scriptedTransport{
		tools: []model.Tool{{
			Name:        "say",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"msg": map[string]any{"type": "string"}}},
		}},
		callFunc: func(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error) {
			msg, _ := args["msg"].(string)
			b, _ := json.Marshal(msg)
			return &transport.CallResult{Text: string(b)}, nil
		},
	}

	gw := gateway.New(aggregator.ByName, func(cfg *model.UpstreamConfig) transport.Transport { return echo }, gateway.Settings{})
	gw.LoadUpstreams([]*model.UpstreamConfig{{Name: "echo", Command: "echo-server"}}, nil)
	require.NoError(t, gw.EnableUpstream(context.Background(), "echo"))

	srv := endpoint.New(gw, true)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	initBody := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`
	initResp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(initBody))
	require.NoError(t, err)
	sid := initResp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)

	listReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`))
	listReq.Header.Set("Mcp-Session-Id", sid)
	listResp, err := http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	var listOut map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listOut))
	tools := listOut["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo.say", tools[0].(map[string]any)["name"])

	callBody := `{"jsonrpc":"2.0","id":"3","method":"tools/call","params":{"name":"echo.say","arguments":{"msg":"hi"}}}`
	callReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(callBody))
	callReq.Header.Set("Mcp-Session-Id", sid)
	callResp, err := http.DefaultClient.Do(callReq)
	require.NoError(t, err)
	var callOut map[string]any
	require.NoError(t, json.NewDecoder(callResp.Body).Decode(&callOut))
	content := callOut["result"].(map[string]any)["content"].([]any)
	assert.Equal(t, `"hi"`, content[0].(map[string]any)["text"])
}

// Scenario 2 + 3: name collision and underscore-normalized lookup.
func TestScenarioCollisionAndUnderscoreLookup(t *testing.T) {
	alpha := &scriptedTransport{tools: []model.Tool{{Name: "read_file"}}}
	beta := &scriptedTransport{tools: []model.Tool{{Name: "read_file"}}}

	gw := gateway.New(aggregator.ByName, func(cfg *model.UpstreamConfig) transport.Transport {
		if cfg.Name == "alpha" {
			return alpha
		}
		return beta
	}, gateway.Settings{})
	gw.LoadUpstreams([]*model.UpstreamConfig{
		{Name: "alpha", Command: "alpha-bin"},
		{Name: "beta", Command: "beta-bin"},
	}, nil)
	require.NoError(t, gw.EnableUpstream(context.Background(), "alpha"))
	require.NoError(t, gw.EnableUpstream(context.Background(), "beta"))

	toolsByPrefixed := map[string]bool{}
	for _, tool := range gw.Registry().Tools() {
		toolsByPrefixed[tool.Prefixed] = true
	}
	assert.True(t, toolsByPrefixed["alpha.read_file"])
	assert.True(t, toolsByPrefixed["beta.read_file"])

	require.Len(t, gw.Registry().ToolConflicts(), 1)

	bare, ok := gw.Registry().FindTool("read_file")
	require.True(t, ok)
	assert.Equal(t, "alpha", bare.Owner, "first-enabled upstream wins the bare-name lookup")

	flattened, ok := gw.Registry().FindTool("alpha_read_file")
	require.True(t, ok)
	assert.Equal(t, "alpha.read_file", flattened.Prefixed)
}

// Scenario 5: upstream failure, retry exhaustion, reconnect.
func TestScenarioFailureAndReconnect(t *testing.T) {
	st := &scriptedTransport{tools: []model.Tool{{Name: "ping_tool"}}}
	gw := gateway.New(aggregator.ByName, func(cfg *model.UpstreamConfig) transport.Transport { return st }, gateway.Settings{
		HealthCheckInterval: time.Hour, // driven manually below
		ConnectionTimeout:   time.Second,
		DefaultMaxRetries:   2,
	})
	gw.LoadUpstreams([]*model.UpstreamConfig{{Name: "svc", Command: "svc-bin"}}, nil)
	require.NoError(t, gw.EnableUpstream(context.Background(), "svc"))

	st.setHealthErr(errors.New("connection refused"))

	// First failure: Reconnecting, and the background reconnect's Start()
	// fails too (the fake returns healthErr), exhausting the budget of 2 and
	// leaving the upstream Failed; the second tick skips it.
	callHealthCheckOnceAndWaitReconnect(t, gw, st)
	callHealthCheckOnceAndWaitReconnect(t, gw, st)

	u, _ := gw.Upstream("svc")
	assert.Equal(t, model.StatusFailed, u.Status())

	_, err := gw.ExecuteTool(context.Background(), "svc.ping_tool", nil, 0)
	assert.True(t, gwerrors.IsUpstreamUnavailable(err))

	// Restore health and explicitly reconnect — status returns to Connected
	// and the tool becomes callable again.
	st.setHealthErr(nil)
	reconnectAndWait(gw, "svc")

	u, _ = gw.Upstream("svc")
	assert.Equal(t, model.StatusConnected, u.Status())

	res, err := gw.ExecuteTool(context.Background(), "svc.ping_tool", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func callHealthCheckOnceAndWaitReconnect(t *testing.T, gw *gateway.Gateway, st *scriptedTransport) {
	t.Helper()
	gw.RunHealthCheckOnce(context.Background())
	time.Sleep(30 * time.Millisecond)
	// Keep health failing after the background reconnect attempt, so a
	// reconnect never resets retry_count and masks exhaustion.
	st.setHealthErr(errors.New("connection refused"))
}

func reconnectAndWait(gw *gateway.Gateway, name string) {
	gw.Reconnect(context.Background(), name)
	time.Sleep(30 * time.Millisecond)
}

// Scenario 4: SSE handshake and request routing after handshake. A GET opens
// the stream; the POST initialize that follows (no session header yet) links
// to that stream and its result arrives as an "event: message" frame rather
// than inline; notifications/initialized gets a bare 202; a subsequent
// tools/list carrying the session header gets a bare 202 and its result is
// routed to the same linked stream.
func TestScenarioSSEHandshakeAndRouting(t *testing.T) {
	svc := &scriptedTransport{tools: []model.Tool{{Name: "ping_tool"}}}

	gw := gateway.New(aggregator.ByName, func(cfg *model.UpstreamConfig) transport.Transport { return svc }, gateway.Settings{})
	gw.LoadUpstreams([]*model.UpstreamConfig{{Name: "svc", Command: "svc-bin"}}, nil)
	require.NoError(t, gw.EnableUpstream(context.Background(), "svc"))

	srv := endpoint.New(gw, true)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	getReq, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	getReq.Header.Set("Accept", "text/event-stream")
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()

	events := make(chan sseEvent, 16)
	go readSSEEvents(getResp.Body, events)

	endpointEv := nextEvent(t, events, 2*time.Second)
	assert.Equal(t, "endpoint", endpointEv.event)
	assert.Contains(t, endpointEv.data, "/mcp")

	readyEv := nextEvent(t, events, 2*time.Second)
	assert.Equal(t, "message", readyEv.event)
	assert.Contains(t, readyEv.data, "notifications/ready")

	initBody := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{}}`
	initResp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(initBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, initResp.StatusCode)
	sid := initResp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)
	initRespBody, _ := io.ReadAll(initResp.Body)
	assert.Empty(t, initRespBody)

	initResultEv := nextEvent(t, events, 2*time.Second)
	assert.Equal(t, "message", initResultEv.event)
	var initFrame map[string]any
	require.NoError(t, json.Unmarshal([]byte(initResultEv.data), &initFrame))
	assert.Equal(t, "1", initFrame["id"])
	require.NotEmpty(t, initFrame["result"].(map[string]any)["protocolVersion"])

	notifyReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	notifyReq.Header.Set("Mcp-Session-Id", sid)
	notifyResp, err := http.DefaultClient.Do(notifyReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, notifyResp.StatusCode)
	notifyBody, _ := io.ReadAll(notifyResp.Body)
	assert.Empty(t, notifyBody)

	listReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`))
	listReq.Header.Set("Mcp-Session-Id", sid)
	listResp, err := http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, listResp.StatusCode)

	listEv := nextEvent(t, events, 2*time.Second)
	assert.Equal(t, "message", listEv.event)
	var listFrame map[string]any
	require.NoError(t, json.Unmarshal([]byte(listEv.data), &listFrame))
	tools := listFrame["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "svc.ping_tool", tools[0].(map[string]any)["name"])
}

// sseEvent is one parsed "event: ...\ndata: ...\n\n" block from a
// text/event-stream response body.
type sseEvent struct {
	event string
	data  string
}

// readSSEEvents parses frames off body until it closes or errors, then
// closes out. Runs in its own goroutine against a live streaming response.
func readSSEEvents(body io.ReadCloser, out chan<- sseEvent) {
	defer close(out)
	scanner := bufio.NewScanner(body)
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.event != "" {
				out <- ev
				ev = sseEvent{}
			}
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent, timeout time.Duration) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("SSE stream closed before expected event arrived")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE event")
	}
	return sseEvent{}
}
