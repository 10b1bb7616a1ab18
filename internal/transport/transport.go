// Package transport implements the unified upstream transport (spec §4.1):
// a single Transport interface over either a child process speaking
// line-delimited JSON-RPC on stdio, or an HTTP POST + SSE pair. Both
// implementations share framework detection, schema normalization,
// per-tool timeout selection, and correlation-id bookkeeping.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// CallResult is the outcome of a tools/call, already unwrapped for Fast
// upstreams per spec §4.1 (result.Text holds the first text block, if any).
type CallResult struct {
	Raw     map[string]any
	Text    string
	IsError bool
}

// ReadResult is the outcome of a resources/read.
type ReadResult struct {
	Contents []ResourceContent
}

// ResourceContent is one entry of a resources/read "contents" array.
type ResourceContent struct {
	URI      string
	MimeType string
	Text     string
}

// Transport is the common contract every upstream connection implements,
// regardless of wire transport (spec §4.1).
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ListTools(ctx context.Context) ([]model.Tool, error)
	ListResources(ctx context.Context) ([]model.Resource, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	ReadResource(ctx context.Context, uri string) (*ReadResult, error)
	HealthCheck(ctx context.Context) error
	IsRunning() bool
	Framework() model.Framework
}

// correlationCounter provides the monotonic counter component of
// correlation ids, one per transport instance.
type correlationCounter struct {
	upstream string
	n        uint64
}

func newCorrelationCounter(upstream string) *correlationCounter {
	return &correlationCounter{upstream: upstream}
}

// next builds a correlation id "<upstream>_<monotonic_counter>_<8-hex-random>",
// unique within the upstream (spec §4.1).
func (c *correlationCounter) next() string {
	n := atomic.AddUint64(&c.n, 1)
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s_%d_%s", c.upstream, n, hex.EncodeToString(buf[:]))
}
