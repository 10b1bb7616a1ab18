// Package model defines the gateway's data model: upstream configuration and
// runtime state, aggregated capability entries, client sessions, pending
// requests, and the statistics the gateway tracks per upstream.
package model

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/gwerrors"
)

// Status is the lifecycle state of an Upstream, per spec §3.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// Framework is the runtime classification of an upstream's MCP implementation.
type Framework string

const (
	FrameworkStandard Framework = "standard"
	FrameworkFast     Framework = "fast"
	FrameworkUnknown  Framework = "unknown"
)

// nameRE enforces UpstreamConfig.Name's shape: [A-Za-z0-9_-]{1,50}.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// UpstreamConfig is the declarative description of an upstream MCP server.
//
// Exactly one of {Command, URL} must be set: Command selects the stdio
// transport, URL selects the HTTP+SSE transport.
type UpstreamConfig struct {
	Name string `json:"name" yaml:"name"`

	// Stdio transport fields.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Network transport fields.
	URL               string `json:"url,omitempty" yaml:"url,omitempty"`
	Transport         string `json:"transport,omitempty" yaml:"transport,omitempty"` // "sse" | "http"
	SSEEndpoint       string `json:"sse_endpoint,omitempty" yaml:"sse_endpoint,omitempty"`
	MessagesEndpoint  string `json:"messages_endpoint,omitempty" yaml:"messages_endpoint,omitempty"`
	sseEndpointSet    bool
	messagesEndpointSet bool

	Enabled        bool   `json:"enabled" yaml:"enabled"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Source         string `json:"source,omitempty" yaml:"source,omitempty"`
}

// MarkEndpointsExplicit records that SSEEndpoint/MessagesEndpoint were present
// in the source document, even if set to "". An empty override is a distinct,
// valid value (root-relative posting) per spec §4.1 and must never collapse
// to the default.
func (c *UpstreamConfig) MarkEndpointsExplicit(sseSet, messagesSet bool) {
	c.sseEndpointSet = sseSet
	c.messagesEndpointSet = messagesSet
}

// ResolvedSSEEndpoint returns the configured SSE endpoint, defaulting to
// "/sse" only when it was never explicitly set.
func (c *UpstreamConfig) ResolvedSSEEndpoint() string {
	if c.sseEndpointSet {
		return c.SSEEndpoint
	}
	if c.SSEEndpoint != "" {
		return c.SSEEndpoint
	}
	return "/sse"
}

// ResolvedMessagesEndpoint returns the configured messages endpoint,
// defaulting to "/messages" only when it was never explicitly set.
func (c *UpstreamConfig) ResolvedMessagesEndpoint() string {
	if c.messagesEndpointSet {
		return c.MessagesEndpoint
	}
	if c.MessagesEndpoint != "" {
		return c.MessagesEndpoint
	}
	return "/messages"
}

// Validate enforces the UpstreamConfig invariants from spec §3.
func (c *UpstreamConfig) Validate() error {
	if !nameRE.MatchString(c.Name) {
		return &gwerrors.ConfigError{Upstream: c.Name, Reason: "invalid upstream name: must match [A-Za-z0-9_-]{1,50}"}
	}
	hasCommand := c.Command != ""
	hasURL := c.URL != ""
	if hasCommand == hasURL {
		return &gwerrors.ConfigError{Upstream: c.Name, Reason: "exactly one of command or url must be set"}
	}
	if hasURL && c.Transport != "" && c.Transport != "sse" && c.Transport != "http" {
		return &gwerrors.ConfigError{Upstream: c.Name, Reason: fmt.Sprintf("unknown transport %q", c.Transport)}
	}
	return nil
}

// IsStdio reports whether this config selects the stdio transport.
func (c *UpstreamConfig) IsStdio() bool { return c.Command != "" }

// Tool is a named callable exposed by an upstream.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Resource is a named, URI-addressed read-only datum exposed by an upstream.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Statistics tracks per-upstream call counts and latency, per spec §3/§4.3.
type Statistics struct {
	mu              sync.Mutex
	Total           int64
	Successful      int64
	Failed          int64
	AvgResponseTime time.Duration
	LastRequestAt   time.Time
}

// Record folds one call's outcome into the rolling average:
// new average = (old_avg*(n-1) + t) / n.
func (s *Statistics) Record(d time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	if success {
		s.Successful++
	} else {
		s.Failed++
	}
	n := s.Total
	s.AvgResponseTime = time.Duration((int64(s.AvgResponseTime)*(n-1) + int64(d)) / n)
	s.LastRequestAt = time.Now()
}

// Snapshot returns a copy safe to read without further locking.
func (s *Statistics) Snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Statistics{
		Total:           s.Total,
		Successful:      s.Successful,
		Failed:          s.Failed,
		AvgResponseTime: s.AvgResponseTime,
		LastRequestAt:   s.LastRequestAt,
	}
}

// Upstream is the runtime view of a configured MCP server.
type Upstream struct {
	mu sync.RWMutex

	Config *UpstreamConfig

	status     Status
	framework  Framework
	tools      []Tool
	resources  []Resource
	capabilities map[string]struct{}
	lastPing   time.Time
	lastError  string
	retryCount int

	Stats *Statistics
}

// NewUpstream creates an Upstream in the Disconnected state, as discovery does.
func NewUpstream(cfg *UpstreamConfig) *Upstream {
	return &Upstream{
		Config:       cfg,
		status:       StatusDisconnected,
		framework:    FrameworkUnknown,
		capabilities: make(map[string]struct{}),
		Stats:        &Statistics{},
	}
}

func (u *Upstream) Name() string { return u.Config.Name }

func (u *Upstream) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

func (u *Upstream) SetStatus(s Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = s
}

func (u *Upstream) Framework() Framework {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.framework
}

func (u *Upstream) SetFramework(f Framework) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.framework = f
}

func (u *Upstream) Tools() []Tool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Tool, len(u.tools))
	copy(out, u.tools)
	return out
}

func (u *Upstream) SetTools(tools []Tool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tools = tools
}

func (u *Upstream) Resources() []Resource {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Resource, len(u.resources))
	copy(out, u.resources)
	return out
}

func (u *Upstream) SetResources(resources []Resource) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resources = resources
}

func (u *Upstream) SetCapabilities(caps []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.capabilities = make(map[string]struct{}, len(caps))
	for _, c := range caps {
		u.capabilities[c] = struct{}{}
	}
}

func (u *Upstream) HasCapability(name string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.capabilities[name]
	return ok
}

func (u *Upstream) LastError() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastError
}

func (u *Upstream) SetLastError(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastError = msg
}

func (u *Upstream) RetryCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.retryCount
}

func (u *Upstream) SetRetryCount(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.retryCount = n
}

func (u *Upstream) LastPing() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastPing
}

func (u *Upstream) SetLastPing(t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastPing = t
}

// MaxRetries returns the configured retry budget, defaulting to 3.
func (u *Upstream) MaxRetries() int {
	if u.Config.MaxRetries > 0 {
		return u.Config.MaxRetries
	}
	return 3
}
