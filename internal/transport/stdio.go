package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin/stdout (spec §4.1 "Stdio transport").
type StdioTransport struct {
	upstream string
	command  string
	args     []string
	env      map[string]string

	counter *correlationCounter
	pending *pendingMap

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeLock sync.Mutex
	running   bool
	framework model.Framework

	readerWG  sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	onChanged ListChangedFunc
}

// NewStdioTransport constructs a stdio transport for the given upstream name
// and process invocation. The command/args are rewritten for containerized
// hosts at Start time, not here, so tests can observe the raw config.
func NewStdioTransport(upstream, command string, args []string, env map[string]string) *StdioTransport {
	return &StdioTransport{
		upstream: upstream,
		command:  command,
		args:     args,
		env:      env,
		counter:  newCorrelationCounter(upstream),
		pending:  newPendingMap(),
		stopCh:   make(chan struct{}),
	}
}

func (t *StdioTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start spawns the child process and performs the initialize handshake.
func (t *StdioTransport) Start(ctx context.Context) error {
	command, args := rewriteForContainer(t.command, t.args)

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.running = true
	t.mu.Unlock()

	t.readerWG.Add(2)
	go t.readStdout(stdout)
	go t.readStderr(stderr)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	if err := t.handshake(initCtx); err != nil {
		_ = t.Stop(context.Background())
		return err
	}

	if err := t.refreshCapabilities(ctx); err != nil {
		logging.Warn("Transport", "upstream %s: initial capability listing failed: %v", t.upstream, err)
	}

	return nil
}

func (t *StdioTransport) handshake(ctx context.Context) error {
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

	return t.notify(newNotification("notifications/initialized", nil))
}

func (t *StdioTransport) refreshCapabilities(ctx context.Context) error {
	if _, err := t.ListTools(ctx); err != nil {
		return err
	}
	if _, err := t.ListResources(ctx); err != nil {
		logging.Debug("Transport", "upstream %s: resources/list not supported: %v", t.upstream, err)
	}
	return nil
}

// Stop cancels readers, asks the process to exit, and cancels all pending
// requests with CancelledError (spec §4.1 shutdown sequence).
func (t *StdioTransport) Stop(ctx context.Context) error {
	var retErr error
	t.stopOnce.Do(func() {
		close(t.stopCh)

		t.mu.Lock()
		cmd := t.cmd
		t.running = false
		t.mu.Unlock()

		t.pending.cancelAll(model.PendingResult{Err: &gwerrors.CancelledError{Upstream: t.upstream}})

		if cmd == nil || cmd.Process == nil {
			return
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		_ = cmd.Process.Signal(terminateSignal())
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
		t.readerWG.Wait()
	})
	return retErr
}

func (t *StdioTransport) readStdout(r io.Reader) {
	defer t.readerWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg response
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logging.Debug("Transport", "upstream %s: dropping non-JSON stdout line", t.upstream)
			continue
		}
		t.dispatch(&msg)
	}
}

func (t *StdioTransport) readStderr(r io.Reader) {
	defer t.readerWG.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.Debug("Transport", "upstream %s stderr: %s", t.upstream, scanner.Text())
	}
}

// dispatch resolves a matching pending request, or treats the message as a
// notification (spec §4.1 "Matching").
func (t *StdioTransport) dispatch(msg *response) {
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
	case "":
		logging.Debug("Transport", "upstream %s: message with no id/method", t.upstream)
	case "notifications/tools/list_changed":
		logging.Debug("Transport", "upstream %s: tools list changed", t.upstream)
		t.onListChanged(toolsChanged)
	case "notifications/resources/list_changed":
		logging.Debug("Transport", "upstream %s: resources list changed", t.upstream)
		t.onListChanged(resourcesChanged)
	default:
		logging.Debug("Transport", "upstream %s: unhandled notification %s", t.upstream, msg.Method)
	}
}

type listChangedKind int

const (
	toolsChanged listChangedKind = iota
	resourcesChanged
)

// ListChangedFunc re-lists the affected capability and republishes it to the
// aggregator. Installed by the gateway through SetOnListChanged after the
// upstream is enabled (spec §9 "no back-pointers").
type ListChangedFunc func(upstream string, kind string)

func (t *StdioTransport) onListChanged(kind listChangedKind) {
	t.mu.Lock()
	cb := t.onChanged
	t.mu.Unlock()
	if cb == nil {
		return
	}
	switch kind {
	case toolsChanged:
		cb(t.upstream, "tools")
	case resourcesChanged:
		cb(t.upstream, "resources")
	}
}

// SetOnListChanged installs the callback invoked when the upstream reports a
// list_changed notification.
func (t *StdioTransport) SetOnListChanged(fn ListChangedFunc) {
	t.mu.Lock()
	t.onChanged = fn
	t.mu.Unlock()
}

// call sends a request and blocks for its response or ctx/timeout, whichever
// comes first. A timed-out entry is removed so a late response is discarded
// (spec §5 "Timeouts").
func (t *StdioTransport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.IsRunning() {
		return nil, &gwerrors.TransportNotRunningError{Upstream: t.upstream}
	}

	id := t.counter.next()
	pr := t.pending.add(id)

	if err := t.write(newRequest(id, method, params)); err != nil {
		t.pending.remove(id)
		return nil, err
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-pr.Done:
		return res.Result, res.Err
	case <-deadline.Done():
		t.pending.remove(id)
		return nil, &gwerrors.TimeoutError{Upstream: t.upstream, ToolName: method, Timeout: timeout}
	case <-t.stopCh:
		t.pending.remove(id)
		return nil, &gwerrors.CancelledError{Upstream: t.upstream, ToolName: method}
	}
}

func (t *StdioTransport) notify(n request) error {
	return t.write(n)
}

// write serializes and flushes under the implicit per-stdin write lock
// (spec §4.1 "Writes").
func (t *StdioTransport) write(r request) error {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return &gwerrors.TransportNotRunningError{Upstream: t.upstream}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return &gwerrors.ProtocolError{Reason: err.Error()}
	}
	data = append(data, '\n')

	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if _, err := stdin.Write(data); err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return &gwerrors.TransportNotRunningError{Upstream: t.upstream}
	}
	return nil
}

func (t *StdioTransport) ListTools(ctx context.Context) ([]model.Tool, error) {
	raw, err := t.call(ctx, "tools/list", struct{}{}, initializeTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string                    `json:"name"`
			Description string                    `json:"description"`
			InputSchema map[string]any             `json:"inputSchema"`
			Arguments   []fastArgument             `json:"arguments"`
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

func (t *StdioTransport) ListResources(ctx context.Context) ([]model.Resource, error) {
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

func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	framework := t.Framework()
	args = encodeFastArguments(framework, args)

	raw, err := t.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, toolTimeout(name, framework))
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw, framework)
}

func (t *StdioTransport) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	raw, err := t.call(ctx, "resources/read", map[string]any{"uri": uri}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeReadResult(raw)
}

func (t *StdioTransport) HealthCheck(ctx context.Context) error {
	_, err := t.call(ctx, "ping", struct{}{}, 10*time.Second)
	return err
}

func (t *StdioTransport) Framework() model.Framework {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framework
}
