package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// HTTPSSETransport implements spec §4.1's "HTTP+SSE transport": a long-lived
// GET stream leg carrying responses/notifications, and a POST leg carrying
// outbound requests. The actual JSON-RPC response to a POST arrives over the
// stream leg, never in the POST's own body.
type HTTPSSETransport struct {
	upstream         string
	baseURL          string
	sseEndpoint      string
	messagesEndpoint string
	maxRetries       int

	client  *http.Client
	counter *correlationCounter
	pending *pendingMap

	mu         sync.Mutex
	running    bool
	framework  model.Framework
	sessionID  string
	onChanged  ListChangedFunc
	cancelFunc context.CancelFunc
	stoppedWG  sync.WaitGroup
}

// NewHTTPSSETransport constructs an HTTP+SSE transport. sseEndpoint and
// messagesEndpoint must already be resolved (defaults applied) by the
// caller — an explicit "" is a distinct, valid value (spec §4.1).
func NewHTTPSSETransport(upstream, baseURL, sseEndpoint, messagesEndpoint string, maxRetries int) *HTTPSSETransport {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &HTTPSSETransport{
		upstream:         upstream,
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		sseEndpoint:      sseEndpoint,
		messagesEndpoint: messagesEndpoint,
		maxRetries:       maxRetries,
		client:           &http.Client{},
		counter:          newCorrelationCounter(upstream),
		pending:          newPendingMap(),
	}
}

func (t *HTTPSSETransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *HTTPSSETransport) SetOnListChanged(fn ListChangedFunc) {
	t.mu.Lock()
	t.onChanged = fn
	t.mu.Unlock()
}

func (t *HTTPSSETransport) Framework() model.Framework {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framework
}

// Start opens the stream leg and performs the initialize handshake over the
// post leg.
func (t *HTTPSSETransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.running = true
	t.cancelFunc = cancel
	t.mu.Unlock()

	ready := make(chan error, 1)
	t.stoppedWG.Add(1)
	go t.runStreamLeg(streamCtx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	case <-time.After(10 * time.Second):
		cancel()
		return fmt.Errorf("upstream %s: timed out waiting for SSE stream", t.upstream)
	}

	initCtx, icancel := context.WithTimeout(ctx, initializeTimeout)
	defer icancel()
	return t.handshake(initCtx)
}

func (t *HTTPSSETransport) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    clientCapabilities{Roots: map[string]any{}, Sampling: map[string]any{}},
		ClientInfo:      implementation{Name: "mcp-gateway", Version: "1.0.0"},
	}
	raw, err := t.call(ctx, "initialize", params, initializeTimeout)
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &gwerrors.ProtocolError{Reason: "malformed initialize result: " + err.Error()}
	}
	t.mu.Lock()
	t.framework = classifyFramework(result.ServerInfo.Name, result.ServerInfo.Version, result.Capabilities)
	t.mu.Unlock()

	return t.postOnly(ctx, newNotification("notifications/initialized", nil))
}

// runStreamLeg maintains the GET SSE connection with exponential backoff,
// reconnecting on EOF or non-200 up to maxRetries consecutive failures
// (spec §4.1).
func (t *HTTPSSETransport) runStreamLeg(ctx context.Context, ready chan<- error) {
	defer t.stoppedWG.Done()
	backoff := time.Second
	failures := 0
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := t.connectStream(ctx, func() {
			if first {
				first = false
				ready <- nil
			}
		})

		if ctx.Err() != nil {
			return
		}

		failures++
		if first {
			first = false
			ready <- err
			return
		}
		if failures >= t.maxRetries {
			logging.Error("Transport", err, "upstream %s: SSE stream failed %d times, marking failed", t.upstream, failures)
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
			t.pending.cancelAll(model.PendingResult{Err: &gwerrors.UpstreamError{Upstream: t.upstream, Code: -1, Message: "stream disconnected"}})
			return
		}

		logging.Warn("Transport", "upstream %s: SSE stream error, retrying in %s: %v", t.upstream, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (t *HTTPSSETransport) connectStream(ctx context.Context, onConnected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+t.sseEndpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	onConnected()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var eventName string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		t.handleEvent(eventName, data)
		eventName = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (t *HTTPSSETransport) handleEvent(eventName, data string) {
	if eventName == "endpoint" {
		// Informational: the POST URL is already known from config
		// (spec §4.1 "Treat event: endpoint ... as informational").
		logging.Debug("Transport", "upstream %s: endpoint event: %s", t.upstream, data)
		return
	}

	var probe map[string]any
	if err := json.Unmarshal([]byte(data), &probe); err == nil {
		if typ, _ := probe["type"].(string); typ == "endpoint" {
			logging.Debug("Transport", "upstream %s: endpoint payload: %v", t.upstream, probe["endpoint"])
			return
		}
	}

	var msg response
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		logging.Debug("Transport", "upstream %s: dropping non-JSON SSE data", t.upstream)
		return
	}
	t.dispatch(&msg)
}

func (t *HTTPSSETransport) dispatch(msg *response) {
	id := idString(msg.ID)
	if id != "" {
		var result model.PendingResult
		if msg.Error != nil {
			result.Err = &gwerrors.UpstreamError{Upstream: t.upstream, Code: msg.Error.Code, Message: msg.Error.Message}
		} else {
			result.Result = msg.Result
		}
		if t.pending.resolve(id, result) {
			return
		}
		logging.Debug("Transport", "upstream %s: discarding late response for id %s", t.upstream, id)
		return
	}

	switch msg.Method {
	case "notifications/tools/list_changed":
		t.notifyChanged("tools")
	case "notifications/resources/list_changed":
		t.notifyChanged("resources")
	case "":
	default:
		logging.Debug("Transport", "upstream %s: unhandled notification %s", t.upstream, msg.Method)
	}
}

func (t *HTTPSSETransport) notifyChanged(kind string) {
	t.mu.Lock()
	cb := t.onChanged
	t.mu.Unlock()
	if cb != nil {
		cb(t.upstream, kind)
	}
}

// Stop cancels the stream leg and all pending requests (spec §5).
func (t *HTTPSSETransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancelFunc
	t.running = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.pending.cancelAll(model.PendingResult{Err: &gwerrors.CancelledError{Upstream: t.upstream}})
	t.stoppedWG.Wait()
	return nil
}

// call posts a request and waits for its response on the stream leg.
func (t *HTTPSSETransport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.IsRunning() {
		return nil, &gwerrors.TransportNotRunningError{Upstream: t.upstream}
	}

	id := t.counter.next()
	pr := t.pending.add(id)

	if err := t.postLeg(ctx, newRequest(id, method, params)); err != nil {
		t.pending.remove(id)
		return nil, err
	}

	deadline, dcancel := context.WithTimeout(ctx, timeout)
	defer dcancel()

	select {
	case res := <-pr.Done:
		return res.Result, res.Err
	case <-deadline.Done():
		t.pending.remove(id)
		return nil, &gwerrors.TimeoutError{Upstream: t.upstream, ToolName: method, Timeout: timeout}
	}
}

// postOnly sends a notification over the post leg without waiting for a reply.
func (t *HTTPSSETransport) postOnly(ctx context.Context, n request) error {
	return t.postLeg(ctx, n)
}

func (t *HTTPSSETransport) postLeg(ctx context.Context, r request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return &gwerrors.ProtocolError{Reason: err.Error()}
	}

	endpoint := t.baseURL + t.messagesEndpoint
	if sid := t.sessionIDValue(); sid != "" {
		u, err := url.Parse(endpoint)
		if err == nil {
			q := u.Query()
			q.Set("sessionId", sid)
			u.RawQuery = q.Encode()
			endpoint = u.String()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &gwerrors.UpstreamError{Upstream: t.upstream, Code: -1, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &gwerrors.UpstreamError{Upstream: t.upstream, Code: resp.StatusCode, Message: string(data)}
	}
	return nil
}

func (t *HTTPSSETransport) sessionIDValue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *HTTPSSETransport) ListTools(ctx context.Context) ([]model.Tool, error) {
	raw, err := t.call(ctx, "tools/list", struct{}{}, initializeTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema map[string]any  `json:"inputSchema"`
			Arguments   []fastArgument  `json:"arguments"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &gwerrors.ProtocolError{Reason: "malformed tools/list result: " + err.Error()}
	}
	framework := t.Framework()
	tools := make([]model.Tool, 0, len(payload.Tools))
	for _, pt := range payload.Tools {
		tool := model.Tool{Name: pt.Name, Description: pt.Description, InputSchema: pt.InputSchema}
		tool.InputSchema = normalizeSchema(tool, framework, pt.Arguments)
		tools = append(tools, tool)
	}
	return tools, nil
}

func (t *HTTPSSETransport) ListResources(ctx context.Context) ([]model.Resource, error) {
	raw, err := t.call(ctx, "resources/list", struct{}{}, initializeTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Resources []model.Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &gwerrors.ProtocolError{Reason: "malformed resources/list result: " + err.Error()}
	}
	return payload.Resources, nil
}

func (t *HTTPSSETransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	framework := t.Framework()
	args = encodeFastArguments(framework, args)
	raw, err := t.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, toolTimeout(name, framework))
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw, framework)
}

func (t *HTTPSSETransport) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	raw, err := t.call(ctx, "resources/read", map[string]any{"uri": uri}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReadResult(raw)
}

func (t *HTTPSSETransport) HealthCheck(ctx context.Context) error {
	_, err := t.call(ctx, "ping", struct{}{}, 10*time.Second)
	return err
}
