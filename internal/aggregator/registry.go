// Package aggregator merges the capability sets of Connected upstreams into
// a single client-visible namespace with collision-safe prefixing and
// bidirectional name resolution (spec §4.2), grounded on the teacher's
// capability-registry approach in internal/aggregator of the source tree
// (rebuild-on-transition, reader/writer-locked snapshot maps).
package aggregator

import (
	"sort"
	"strings"
	"sync"

	"github.com/giantswarm/mcp-gateway/internal/model"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// PrefixStrategy selects how raw upstream names are mapped to the
// client-visible prefixed namespace (spec §4.2). Fixed at construction.
type PrefixStrategy int

const (
	// ByName prefixes with the upstream's configured name. The only
	// strategy the distilled source actually exercises; shipped as default.
	ByName PrefixStrategy = iota
	// ShortName prefixes with the first hyphen-segment of the upstream
	// name, or its first 8 characters if there is no hyphen.
	ShortName
	// None disables prefixing entirely: prefixed == original. Collisions
	// are still detected and reported, but lookup degrades to "first
	// Connected owner wins".
	None
)

const (
	toolSep     = "."
	resourceSep = "://"
)

// UpstreamSource is the minimal view the aggregator needs of a live
// upstream — satisfied by *model.Upstream.
type UpstreamSource interface {
	Name() string
	Status() model.Status
	Tools() []model.Tool
	Resources() []model.Resource
}

// Conflict records a raw name/uri shared by more than one Connected upstream.
type Conflict struct {
	Raw     string
	Owners  []string
}

// Registry holds the two prefixed-name mappings plus their conflict tables,
// rebuilt wholesale on every re-aggregation (spec §4.2: "clear, then
// re-insert").
type Registry struct {
	strategy PrefixStrategy

	mu             sync.RWMutex
	tools          map[string]model.AggregatedTool
	resources      map[string]model.AggregatedResource
	toolConflicts  map[string]*Conflict
	resConflicts   map[string]*Conflict
	// originalToolOrder/originalResourceOrder preserve first-insertion
	// order for the "exact original name" lookup fallback (spec §4.2.3).
	originalToolOrder []model.AggregatedTool
	originalResOrder  []model.AggregatedResource
}

// New constructs an empty Registry using the given prefix strategy.
func New(strategy PrefixStrategy) *Registry {
	return &Registry{
		strategy:      strategy,
		tools:         make(map[string]model.AggregatedTool),
		resources:     make(map[string]model.AggregatedResource),
		toolConflicts: make(map[string]*Conflict),
		resConflicts:  make(map[string]*Conflict),
	}
}

func (r *Registry) prefix(owner string) string {
	switch r.strategy {
	case ShortName:
		if i := strings.IndexByte(owner, '-'); i > 0 {
			return owner[:i]
		}
		if len(owner) > 8 {
			return owner[:8]
		}
		return owner
	case None:
		return ""
	default:
		return owner
	}
}

func (r *Registry) prefixedToolName(owner, original string) string {
	p := r.prefix(owner)
	if p == "" {
		return original
	}
	return p + toolSep + original
}

func (r *Registry) prefixedResourceURI(owner, original string) string {
	p := r.prefix(owner)
	if p == "" {
		return original
	}
	return p + resourceSep + original
}

// Rebuild clears and re-populates the registry from the given upstreams, in
// the fixed order supplied (callers should pass a stable, deterministic
// order — e.g. insertion/config order — so lookup fallback stays
// deterministic per spec §4.2). Upstreams not Connected are skipped.
func (r *Registry) Rebuild(upstreams []UpstreamSource) {
	toolCounts := map[string][]string{}
	resCounts := map[string][]string{}
	for _, u := range upstreams {
		if u.Status() != model.StatusConnected {
			continue
		}
		for _, t := range u.Tools() {
			toolCounts[t.Name] = append(toolCounts[t.Name], u.Name())
		}
		for _, res := range u.Resources() {
			resCounts[res.URI] = append(resCounts[res.URI], u.Name())
		}
	}

	tools := make(map[string]model.AggregatedTool)
	resources := make(map[string]model.AggregatedResource)
	toolConflicts := make(map[string]*Conflict)
	resConflicts := make(map[string]*Conflict)
	var toolOrder []model.AggregatedTool
	var resOrder []model.AggregatedResource

	for raw, owners := range toolCounts {
		if len(owners) > 1 {
			toolConflicts[raw] = &Conflict{Raw: raw, Owners: append([]string(nil), owners...)}
			logging.Warn("Aggregator", "tool name %q claimed by %d upstreams: %v", raw, len(owners), owners)
		}
	}
	for raw, owners := range resCounts {
		if len(owners) > 1 {
			resConflicts[raw] = &Conflict{Raw: raw, Owners: append([]string(nil), owners...)}
			logging.Warn("Aggregator", "resource uri %q claimed by %d upstreams: %v", raw, len(owners), owners)
		}
	}

	for _, u := range upstreams {
		if u.Status() != model.StatusConnected {
			continue
		}
		owner := u.Name()
		for _, t := range u.Tools() {
			entry := model.AggregatedTool{
				Original:    t.Name,
				Prefixed:    r.prefixedToolName(owner, t.Name),
				Owner:       owner,
				Description: t.Description,
				Schema:      t.InputSchema,
			}
			if _, dup := tools[entry.Prefixed]; !dup {
				tools[entry.Prefixed] = entry
			}
			toolOrder = append(toolOrder, entry)
		}
		for _, res := range u.Resources() {
			entry := model.AggregatedResource{
				Original:    res.URI,
				Prefixed:    r.prefixedResourceURI(owner, res.URI),
				Owner:       owner,
				Description: res.Description,
				MimeType:    res.MimeType,
			}
			if _, dup := resources[entry.Prefixed]; !dup {
				resources[entry.Prefixed] = entry
			}
			resOrder = append(resOrder, entry)
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.resources = resources
	r.toolConflicts = toolConflicts
	r.resConflicts = resConflicts
	r.originalToolOrder = toolOrder
	r.originalResOrder = resOrder
	r.mu.Unlock()
}

// FindTool resolves a client-supplied name to its aggregated entry, trying
// (1) exact prefixed match, (2) the first-underscore-as-separator flattened
// form, (3) exact original name in first-insertion order (spec §4.2).
func (r *Registry) FindTool(name string) (model.AggregatedTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return t, true
	}
	if i := strings.IndexByte(name, '_'); i > 0 {
		flattened := name[:i] + toolSep + name[i+1:]
		if t, ok := r.tools[flattened]; ok {
			return t, true
		}
	}
	for _, t := range r.originalToolOrder {
		if t.Original == name {
			return t, true
		}
	}
	return model.AggregatedTool{}, false
}

// FindResource is the resource analogue of FindTool, with the same three
// tiers; the flattened form rewrites the first underscore to "://".
func (r *Registry) FindResource(uri string) (model.AggregatedResource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res, ok := r.resources[uri]; ok {
		return res, true
	}
	if i := strings.IndexByte(uri, '_'); i > 0 {
		flattened := uri[:i] + resourceSep + uri[i+1:]
		if res, ok := r.resources[flattened]; ok {
			return res, true
		}
	}
	for _, res := range r.originalResOrder {
		if res.Original == uri {
			return res, true
		}
	}
	return model.AggregatedResource{}, false
}

// Tools returns a snapshot of the current tool projection, sorted by
// prefixed name for stable client-facing listings.
func (r *Registry) Tools() []model.AggregatedTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AggregatedTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefixed < out[j].Prefixed })
	return out
}

// Resources returns a snapshot of the current resource projection, sorted
// by prefixed uri.
func (r *Registry) Resources() []model.AggregatedResource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AggregatedResource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefixed < out[j].Prefixed })
	return out
}

// ToolConflicts returns the current raw-tool-name conflict table.
func (r *Registry) ToolConflicts() map[string]*Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Conflict, len(r.toolConflicts))
	for k, v := range r.toolConflicts {
		out[k] = v
	}
	return out
}

// ResourceConflicts returns the current raw-resource-uri conflict table.
func (r *Registry) ResourceConflicts() map[string]*Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Conflict, len(r.resConflicts))
	for k, v := range r.resConflicts {
		out[k] = v
	}
	return out
}
