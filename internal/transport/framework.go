package transport

import (
	"strings"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// classifyFramework implements the heuristic from spec §4.1: server-info
// name/version substrings and capability-object shape, grounded on
// original_source/mcp_gateway/core/unified_transport.py's FrameworkDetector.
// Classification affects only defaults — never correctness.
func classifyFramework(serverName, serverVersion string, capabilities map[string]any) model.Framework {
	name := strings.ToLower(serverName)
	version := strings.ToLower(serverVersion)
	if strings.Contains(name, "fastmcp") || strings.Contains(name, "fast-mcp") {
		return model.FrameworkFast
	}
	if strings.Contains(version, "fastmcp") {
		return model.FrameworkFast
	}
	if capabilities != nil {
		if _, ok := capabilities["experimental"]; ok {
			return model.FrameworkFast
		}
		if m, ok := capabilities["resources"].(map[string]any); ok && len(m) > 2 {
			return model.FrameworkFast
		}
		if m, ok := capabilities["tools"].(map[string]any); ok && len(m) > 2 {
			return model.FrameworkFast
		}
	}
	return model.FrameworkStandard
}

// Per-tool timeout name buckets (spec §4.1).
var slowKeywords = []string{"search", "query", "find", "fetch", "crawl", "scrape", "download", "api_call", "http_request", "web"}
var mediumKeywords = []string{"generate", "completion", "embedding", "analyze", "summarize"}

const (
	initializeTimeout = 30 * time.Second
	slowTimeout       = 120 * time.Second
	mediumTimeout     = 90 * time.Second
	defaultTimeout    = 60 * time.Second
	fastDefaultTimeout = 75 * time.Second
	// fastBonus is added to medium timeouts for Fast upstreams; slow
	// (network-ish) tools get no bonus.
	fastBonus = 15 * time.Second
)

// toolTimeout selects the per-tool timeout by name, per spec §4.1.
func toolTimeout(toolName string, framework model.Framework) time.Duration {
	lower := strings.ToLower(toolName)
	isFast := framework == model.FrameworkFast

	for _, kw := range slowKeywords {
		// Network-ish tools are excluded from the Fast bonus (spec §4.1:
		// "Fast gets +15s on non-network tools").
		if strings.Contains(lower, kw) {
			return slowTimeout
		}
	}
	for _, kw := range mediumKeywords {
		if strings.Contains(lower, kw) {
			if isFast {
				return mediumTimeout + fastBonus
			}
			return mediumTimeout
		}
	}
	if isFast {
		return fastDefaultTimeout
	}
	return defaultTimeout
}
