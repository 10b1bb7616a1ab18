// Package gateway implements the gateway core (spec §4.3): it owns the
// upstream set and the aggregator, exposes discovery/activation, request
// routing, health checking with bounded reconnect, and rolling statistics.
// Grounded on the teacher's internal/orchestrator reconciliation loop
// (single health-check task, parallel per-target fan-out, status-transition
// events) reworked around upstream MCP servers instead of service classes.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-gateway/internal/aggregator"
	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/internal/transport"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// TransportFactory builds a fresh Transport for an upstream config. Supplied
// by the caller (cmd/serve.go) so the gateway never imports concrete
// transport constructors directly — kept swappable for tests.
type TransportFactory func(cfg *model.UpstreamConfig) transport.Transport

// ServerEvent is emitted on any upstream status transition, for the
// management push channel (out of scope here, per spec §4.3 — the gateway
// only needs to call registered handlers).
type ServerEvent struct {
	Upstream  string
	Old       model.Status
	New       model.Status
	Err       error
	Time      time.Time
}

// EventHandler receives ServerEvents as they occur.
type EventHandler func(ServerEvent)

// CallEvent is emitted on every completed tool/resource call, for metrics
// collection (spec §4.3 "Metrics").
type CallEvent struct {
	Upstream string
	Kind     string // "tool" or "resource"
	Elapsed  time.Duration
	Success  bool
}

// CallHandler receives CallEvents as they occur.
type CallHandler func(CallEvent)

// Settings are the gateway-wide tunables (spec §4.3, §9 GLOSSARY).
type Settings struct {
	HealthCheckInterval time.Duration
	ConnectionTimeout   time.Duration
	DefaultMaxRetries   int
}

func defaultSettings() Settings {
	return Settings{
		HealthCheckInterval: 30 * time.Second,
		ConnectionTimeout:   10 * time.Second,
		DefaultMaxRetries:   3,
	}
}

// Gateway owns the upstream set, the aggregator registry, and the
// health-check loop.
type Gateway struct {
	settings Settings
	factory  TransportFactory
	registry *aggregator.Registry

	mu         sync.RWMutex
	upstreams  map[string]*model.Upstream
	transports map[string]transport.Transport
	order      []string // fixed insertion order, for deterministic rebuilds/lookups

	handlersMu sync.Mutex
	handlers   []EventHandler

	callHandlersMu sync.Mutex
	callHandlers   []CallHandler

	sf singleflight.Group

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New constructs a Gateway. settings may be the zero value, in which case
// sane defaults are applied.
func New(strategy aggregator.PrefixStrategy, factory TransportFactory, settings Settings) *Gateway {
	if settings.HealthCheckInterval <= 0 || settings.ConnectionTimeout <= 0 || settings.DefaultMaxRetries <= 0 {
		d := defaultSettings()
		if settings.HealthCheckInterval <= 0 {
			settings.HealthCheckInterval = d.HealthCheckInterval
		}
		if settings.ConnectionTimeout <= 0 {
			settings.ConnectionTimeout = d.ConnectionTimeout
		}
		if settings.DefaultMaxRetries <= 0 {
			settings.DefaultMaxRetries = d.DefaultMaxRetries
		}
	}
	return &Gateway{
		settings:   settings,
		factory:    factory,
		registry:   aggregator.New(strategy),
		upstreams:  make(map[string]*model.Upstream),
		transports: make(map[string]transport.Transport),
	}
}

// OnEvent registers a callback invoked on every status transition.
func (g *Gateway) OnEvent(h EventHandler) {
	g.handlersMu.Lock()
	g.handlers = append(g.handlers, h)
	g.handlersMu.Unlock()
}

func (g *Gateway) emit(ev ServerEvent) {
	g.handlersMu.Lock()
	handlers := append([]EventHandler(nil), g.handlers...)
	g.handlersMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// OnCall registers a callback invoked after every completed tool/resource
// call, mirroring OnEvent.
func (g *Gateway) OnCall(h CallHandler) {
	g.callHandlersMu.Lock()
	g.callHandlers = append(g.callHandlers, h)
	g.callHandlersMu.Unlock()
}

func (g *Gateway) emitCall(ev CallEvent) {
	g.callHandlersMu.Lock()
	handlers := append([]CallHandler(nil), g.callHandlers...)
	g.callHandlersMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// LoadUpstreams merges configured and discovered upstream sets — configured
// wins on name collision (spec §4.3 "Discovery vs activation") — and
// materializes each as a Disconnected *model.Upstream. No transport is
// started here.
func (g *Gateway) LoadUpstreams(configured, discovered []*model.UpstreamConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()

	merged := map[string]*model.UpstreamConfig{}
	var order []string
	for _, c := range configured {
		merged[c.Name] = c
		order = append(order, c.Name)
	}
	for _, c := range discovered {
		if _, exists := merged[c.Name]; exists {
			continue
		}
		merged[c.Name] = c
		order = append(order, c.Name)
	}

	for _, name := range order {
		cfg := merged[name]
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = g.settings.DefaultMaxRetries
		}
		if existing, ok := g.upstreams[name]; ok {
			existing.Config = cfg
			continue
		}
		g.upstreams[name] = model.NewUpstream(cfg)
		g.order = append(g.order, name)
	}
}

// RefreshDiscovery merges newly discovered upstreams into the existing set
// without disturbing already-known ones (spec: "configured wins"; a rerun
// of discovery never demotes a configured upstream).
func (g *Gateway) RefreshDiscovery(discovered []*model.UpstreamConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cfg := range discovered {
		if _, ok := g.upstreams[cfg.Name]; ok {
			continue
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = g.settings.DefaultMaxRetries
		}
		g.upstreams[cfg.Name] = model.NewUpstream(cfg)
		g.order = append(g.order, cfg.Name)
	}
}

func (g *Gateway) orderedUpstreams() []*model.Upstream {
	out := make([]*model.Upstream, 0, len(g.order))
	for _, name := range g.order {
		if u, ok := g.upstreams[name]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (g *Gateway) rebuild() {
	g.mu.RLock()
	ordered := g.orderedUpstreams()
	g.mu.RUnlock()

	sources := make([]aggregator.UpstreamSource, len(ordered))
	for i, u := range ordered {
		sources[i] = u
	}
	g.registry.Rebuild(sources)
}

// Registry exposes the read-only aggregated projection.
func (g *Gateway) Registry() *aggregator.Registry { return g.registry }

// StartAutoEnabled starts every upstream whose cached config has
// enabled == true (spec §4.3).
func (g *Gateway) StartAutoEnabled(ctx context.Context) {
	g.mu.RLock()
	ordered := g.orderedUpstreams()
	g.mu.RUnlock()
	for _, u := range ordered {
		if u.Config.Enabled {
			if err := g.EnableUpstream(ctx, u.Name()); err != nil {
				logging.Error("Gateway", err, "auto-enable of %s failed", u.Name())
			}
		}
	}
}

// EnableUpstream sets enabled=true, starts the transport, and on success
// rebuilds the aggregator (spec §4.3 "Enable/disable").
func (g *Gateway) EnableUpstream(ctx context.Context, name string) error {
	g.mu.Lock()
	u, ok := g.upstreams[name]
	if !ok {
		g.mu.Unlock()
		return &gwerrors.NotFoundError{Kind: "upstream", Name: name}
	}
	u.Config.Enabled = true
	t := g.factory(u.Config)
	g.mu.Unlock()

	u.SetStatus(model.StatusConnecting)
	startCtx, cancel := context.WithTimeout(ctx, g.settings.ConnectionTimeout)
	defer cancel()

	old := model.StatusConnecting
	if err := t.Start(startCtx); err != nil {
		u.SetStatus(model.StatusFailed)
		u.SetLastError(err.Error())
		g.emit(ServerEvent{Upstream: name, Old: old, New: model.StatusFailed, Err: err, Time: time.Now()})
		return fmt.Errorf("enable upstream %s: %w", name, err)
	}

	tools, err := t.ListTools(startCtx)
	if err != nil {
		u.SetStatus(model.StatusFailed)
		u.SetLastError(err.Error())
		g.emit(ServerEvent{Upstream: name, Old: old, New: model.StatusFailed, Err: err, Time: time.Now()})
		return fmt.Errorf("enable upstream %s: list tools: %w", name, err)
	}
	resources, err := t.ListResources(startCtx)
	if err != nil {
		// A server with no resource capability may legitimately error here;
		// treat as empty rather than failing the whole upstream.
		resources = nil
	}

	u.SetTools(tools)
	u.SetResources(resources)
	u.SetFramework(t.Framework())
	u.SetRetryCount(0)
	u.SetLastPing(time.Now())
	u.SetStatus(model.StatusConnected)

	g.mu.Lock()
	g.transports[name] = t
	g.mu.Unlock()

	if stt, ok := t.(interface {
		SetOnListChanged(transport.ListChangedFunc)
	}); ok {
		stt.SetOnListChanged(func(upstream, kind string) {
			logging.Debug("Gateway", "upstream %s: %s list changed, refreshing", upstream, kind)
			g.refreshCapabilities(context.Background(), upstream)
		})
	}

	g.rebuild()
	g.emit(ServerEvent{Upstream: name, Old: old, New: model.StatusConnected, Time: time.Now()})
	return nil
}

func (g *Gateway) refreshCapabilities(ctx context.Context, name string) {
	g.mu.RLock()
	t, ok := g.transports[name]
	u := g.upstreams[name]
	g.mu.RUnlock()
	if !ok || u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.settings.ConnectionTimeout)
	defer cancel()
	if tools, err := t.ListTools(ctx); err == nil {
		u.SetTools(tools)
	}
	if resources, err := t.ListResources(ctx); err == nil {
		u.SetResources(resources)
	}
	g.rebuild()
}

// DisableUpstream stops the transport and marks the upstream Disconnected
// (spec §4.3).
func (g *Gateway) DisableUpstream(ctx context.Context, name string) error {
	g.mu.Lock()
	u, ok := g.upstreams[name]
	t, hasTransport := g.transports[name]
	if hasTransport {
		delete(g.transports, name)
	}
	g.mu.Unlock()
	if !ok {
		return &gwerrors.NotFoundError{Kind: "upstream", Name: name}
	}

	old := u.Status()
	if hasTransport {
		_ = t.Stop(ctx)
	}
	u.Config.Enabled = false
	u.SetLastError("disabled by user")
	u.SetStatus(model.StatusDisconnected)
	g.rebuild()
	g.emit(ServerEvent{Upstream: name, Old: old, New: model.StatusDisconnected, Time: time.Now()})
	return nil
}

// ToolResult is the outcome of ExecuteTool, per spec §4.3 step 5.
type ToolResult struct {
	Tool          string
	Owner         string
	Success       bool
	Result        *transport.CallResult
	Err           error
	ExecutionTime time.Duration
}

// ExecuteTool routes a tool call to its owning upstream (spec §4.3).
func (g *Gateway) ExecuteTool(ctx context.Context, name string, params map[string]any, timeoutOverride time.Duration) (*ToolResult, error) {
	entry, ok := g.registry.FindTool(name)
	if !ok {
		return nil, &gwerrors.NotFoundError{Kind: "tool", Name: name}
	}

	g.mu.RLock()
	u := g.upstreams[entry.Owner]
	t, hasTransport := g.transports[entry.Owner]
	g.mu.RUnlock()
	if u == nil || !hasTransport || u.Status() != model.StatusConnected {
		return nil, &gwerrors.UpstreamUnavailableError{Upstream: entry.Owner}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutOverride > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeoutOverride)
		defer cancel()
	}

	start := time.Now()
	result, err := t.CallTool(callCtx, entry.Original, params)
	elapsed := time.Since(start)
	u.Stats.Record(elapsed, err == nil)
	g.emitCall(CallEvent{Upstream: entry.Owner, Kind: "tool", Elapsed: elapsed, Success: err == nil})

	return &ToolResult{
		Tool:          entry.Prefixed,
		Owner:         entry.Owner,
		Success:       err == nil,
		Result:        result,
		Err:           err,
		ExecutionTime: elapsed,
	}, nil
}

// ResourceResult is the outcome of AccessResource.
type ResourceResult struct {
	URI           string
	Owner         string
	Success       bool
	Result        *transport.ReadResult
	Err           error
	ExecutionTime time.Duration
}

// AccessResource is the resource-read analogue of ExecuteTool (spec §4.3).
func (g *Gateway) AccessResource(ctx context.Context, uri string) (*ResourceResult, error) {
	entry, ok := g.registry.FindResource(uri)
	if !ok {
		return nil, &gwerrors.NotFoundError{Kind: "resource", Name: uri}
	}

	g.mu.RLock()
	u := g.upstreams[entry.Owner]
	t, hasTransport := g.transports[entry.Owner]
	g.mu.RUnlock()
	if u == nil || !hasTransport || u.Status() != model.StatusConnected {
		return nil, &gwerrors.UpstreamUnavailableError{Upstream: entry.Owner}
	}

	start := time.Now()
	result, err := t.ReadResource(ctx, entry.Original)
	elapsed := time.Since(start)
	u.Stats.Record(elapsed, err == nil)
	g.emitCall(CallEvent{Upstream: entry.Owner, Kind: "resource", Elapsed: elapsed, Success: err == nil})

	return &ResourceResult{
		URI:           entry.Prefixed,
		Owner:         entry.Owner,
		Success:       err == nil,
		Result:        result,
		Err:           err,
		ExecutionTime: elapsed,
	}, nil
}

// List returns a snapshot of every known upstream, Connected or not.
func (g *Gateway) List() []*model.Upstream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*model.Upstream(nil), g.orderedUpstreams()...)
}

// Upstream looks up a single upstream by name.
func (g *Gateway) Upstream(name string) (*model.Upstream, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.upstreams[name]
	return u, ok
}

// GatewayStats is the gateway-wide rollup of per-upstream statistics
// (spec §4.3 "Metrics").
type GatewayStats struct {
	Total      int64
	Successful int64
	Failed     int64
	// AvgResponseTime is the per-request-count-weighted average across
	// every Connected and previously-Connected upstream.
	AvgResponseTime time.Duration
}

// Metrics computes the gateway-wide rollup.
func (g *Gateway) Metrics() GatewayStats {
	var totalWeightedNanos, total int64
	var stats GatewayStats
	for _, u := range g.List() {
		s := u.Stats.Snapshot()
		stats.Total += s.Total
		stats.Successful += s.Successful
		stats.Failed += s.Failed
		totalWeightedNanos += int64(s.AvgResponseTime) * s.Total
		total += s.Total
	}
	if total > 0 {
		stats.AvgResponseTime = time.Duration(totalWeightedNanos / total)
	}
	return stats
}

// StartHealthLoop launches the single recurring health-check task
// (spec §4.3 "Health checking"). Call Stop to terminate it.
func (g *Gateway) StartHealthLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.healthCancel = cancel
	g.healthDone = make(chan struct{})
	go g.healthLoop(ctx)
}

// Stop cancels the health loop and stops every running transport.
func (g *Gateway) Stop(ctx context.Context) {
	if g.healthCancel != nil {
		g.healthCancel()
		<-g.healthDone
	}
	g.mu.Lock()
	transports := g.transports
	g.transports = make(map[string]transport.Transport)
	g.mu.Unlock()
	for name, t := range transports {
		if err := t.Stop(ctx); err != nil {
			logging.Error("Gateway", err, "stopping transport %s", name)
		}
	}
}

// RunHealthCheckOnce performs a single health-check pass immediately,
// outside the regular interval — used by tests and an eventual "check now"
// admin operation.
func (g *Gateway) RunHealthCheckOnce(ctx context.Context) {
	g.healthCheckOnce(ctx)
}

// Reconnect tears down and restarts the named upstream's transport
// synchronously waiting for the attempt to finish (spec §4.3 lists
// `reconnect` among the gateway's exposed lifecycle operations).
func (g *Gateway) Reconnect(ctx context.Context, name string) {
	g.reconnect(ctx, name)
}

func (g *Gateway) healthLoop(ctx context.Context) {
	defer close(g.healthDone)
	ticker := time.NewTicker(g.settings.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.healthCheckOnce(ctx)
		}
	}
}

// healthCheckOnce fans out a ping to every Connected upstream in parallel,
// single-flighted per upstream name so an overlapping tick never piles up a
// second concurrent check against the same server.
func (g *Gateway) healthCheckOnce(ctx context.Context) {
	g.mu.RLock()
	ordered := g.orderedUpstreams()
	transports := make(map[string]transport.Transport, len(g.transports))
	for k, v := range g.transports {
		transports[k] = v
	}
	g.mu.RUnlock()

	var eg errgroup.Group
	for _, u := range ordered {
		if u.Status() != model.StatusConnected {
			continue
		}
		t, ok := transports[u.Name()]
		if !ok {
			continue
		}
		u, t := u, t
		eg.Go(func() error {
			_, _, _ = g.sf.Do(u.Name(), func() (any, error) {
				g.checkOne(ctx, u, t)
				return nil, nil
			})
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) checkOne(ctx context.Context, u *model.Upstream, t transport.Transport) {
	checkCtx, cancel := context.WithTimeout(ctx, g.settings.ConnectionTimeout)
	defer cancel()

	err := t.HealthCheck(checkCtx)
	if err == nil {
		u.SetLastPing(time.Now())
		if u.RetryCount() != 0 {
			u.SetRetryCount(0)
		}
		return
	}

	old := u.Status()
	retries := u.RetryCount() + 1
	u.SetRetryCount(retries)
	u.SetLastError(err.Error())

	if retries < u.MaxRetries() {
		u.SetStatus(model.StatusReconnecting)
		g.emit(ServerEvent{Upstream: u.Name(), Old: old, New: model.StatusReconnecting, Err: err, Time: time.Now()})
		go g.reconnect(context.Background(), u.Name())
		return
	}

	u.SetStatus(model.StatusFailed)
	g.emit(ServerEvent{Upstream: u.Name(), Old: old, New: model.StatusFailed, Err: err, Time: time.Now()})
}

// reconnect tears down and re-runs start on the named upstream's transport
// (spec §4.3 "Reconnect"). On success it resets retry_count and rebuilds the
// aggregator; on failure it charges the attempt against max_retries via
// failReconnectAttempt, which either schedules a further attempt or fails
// the upstream once the budget is exhausted.
func (g *Gateway) reconnect(ctx context.Context, name string) {
	g.mu.RLock()
	u := g.upstreams[name]
	old, hasTransport := g.transports[name]
	g.mu.RUnlock()
	if u == nil {
		return
	}

	if hasTransport {
		stopCtx, cancel := context.WithTimeout(ctx, g.settings.ConnectionTimeout)
		_ = old.Stop(stopCtx)
		cancel()
	}

	t := g.factory(u.Config)
	startCtx, cancel := context.WithTimeout(ctx, g.settings.ConnectionTimeout)
	defer cancel()

	if err := t.Start(startCtx); err != nil {
		g.failReconnectAttempt(u, err)
		return
	}
	tools, err := t.ListTools(startCtx)
	if err != nil {
		g.failReconnectAttempt(u, err)
		return
	}
	resources, _ := t.ListResources(startCtx)

	u.SetTools(tools)
	u.SetResources(resources)
	u.SetFramework(t.Framework())
	u.SetRetryCount(0)
	prevStatus := u.Status()
	u.SetStatus(model.StatusConnected)

	g.mu.Lock()
	g.transports[name] = t
	g.mu.Unlock()

	g.rebuild()
	g.emit(ServerEvent{Upstream: name, Old: prevStatus, New: model.StatusConnected, Time: time.Now()})
}

// failReconnectAttempt charges a failed reconnect attempt against the
// upstream's retry budget. Once retry_count reaches max_retries the upstream
// is failed permanently; otherwise another attempt is scheduled with the
// same capped exponential backoff the upstream transports use for their own
// reconnect loops, so a stuck Reconnecting upstream keeps making progress
// even though the regular health-check loop only probes Connected upstreams.
func (g *Gateway) failReconnectAttempt(u *model.Upstream, err error) {
	old := u.Status()
	retries := u.RetryCount() + 1
	u.SetRetryCount(retries)
	u.SetLastError(err.Error())

	if retries >= u.MaxRetries() {
		u.SetStatus(model.StatusFailed)
		g.emit(ServerEvent{Upstream: u.Name(), Old: old, New: model.StatusFailed, Err: err, Time: time.Now()})
		return
	}

	if old != model.StatusReconnecting {
		u.SetStatus(model.StatusReconnecting)
		g.emit(ServerEvent{Upstream: u.Name(), Old: old, New: model.StatusReconnecting, Err: err, Time: time.Now()})
	}

	backoff := reconnectBackoff(retries)
	time.AfterFunc(backoff, func() {
		if u.Status() != model.StatusReconnecting {
			return
		}
		g.reconnect(context.Background(), u.Name())
	})
}

// reconnectBackoff mirrors the upstream transports' own reconnect backoff:
// 1s, 2s, 4s, ... capped at 30s.
func reconnectBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
