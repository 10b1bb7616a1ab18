package aggregator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

type fakeUpstream struct {
	name      string
	status    model.Status
	tools     []model.Tool
	resources []model.Resource
}

func (f fakeUpstream) Name() string             { return f.name }
func (f fakeUpstream) Status() model.Status     { return f.status }
func (f fakeUpstream) Tools() []model.Tool      { return f.tools }
func (f fakeUpstream) Resources() []model.Resource { return f.resources }

func TestRebuildSkipsNonConnected(t *testing.T) {
	r := New(ByName)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "alpha", status: model.StatusConnected, tools: []model.Tool{{Name: "read_file"}}},
		fakeUpstream{name: "beta", status: model.StatusDisconnected, tools: []model.Tool{{Name: "other"}}},
	})

	_, ok := r.FindTool("beta.other")
	assert.False(t, ok)
	tool, ok := r.FindTool("alpha.read_file")
	require.True(t, ok)
	assert.Equal(t, "alpha", tool.Owner)
}

func TestFindToolCollisionFirstEnabledWins(t *testing.T) {
	r := New(ByName)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "alpha", status: model.StatusConnected, tools: []model.Tool{{Name: "read_file"}}},
		fakeUpstream{name: "beta", status: model.StatusConnected, tools: []model.Tool{{Name: "read_file"}}},
	})

	require.Len(t, r.ToolConflicts(), 1)

	prefixed, ok := r.FindTool("alpha.read_file")
	require.True(t, ok)
	assert.Equal(t, "alpha", prefixed.Owner)

	bare, ok := r.FindTool("read_file")
	require.True(t, ok)
	assert.Equal(t, "alpha", bare.Owner, "first match in insertion order wins")
}

func TestFindToolUnderscoreFlattenedForm(t *testing.T) {
	r := New(ByName)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "serverA", status: model.StatusConnected, tools: []model.Tool{{Name: "toolX"}}},
	})

	tool, ok := r.FindTool("serverA_toolX")
	require.True(t, ok)
	assert.Equal(t, "serverA.toolX", tool.Prefixed)
}

func TestFindToolFlattenedAppliesOnlyOnce(t *testing.T) {
	r := New(ByName)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "serverA", status: model.StatusConnected, tools: []model.Tool{{Name: "tool_x_y"}}},
	})

	tool, ok := r.FindTool("serverA_tool_x_y")
	require.True(t, ok)
	assert.Equal(t, "serverA.tool_x_y", tool.Prefixed)
}

func TestNoneStrategyDisablesPrefixing(t *testing.T) {
	r := New(None)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "alpha", status: model.StatusConnected, tools: []model.Tool{{Name: "read_file"}}},
	})

	tool, ok := r.FindTool("read_file")
	require.True(t, ok)
	assert.Equal(t, "read_file", tool.Prefixed)
}

// TestRebuildIsIdempotent exercises spec §8's idempotence property: rebuilding
// from the same upstream snapshot twice must produce deeply equal tool
// tables (compared with cmp.Diff), so repeated discovery ticks on an
// unchanged fleet never perturb client-visible tool listings.
func TestRebuildIsIdempotent(t *testing.T) {
	upstreams := []UpstreamSource{
		fakeUpstream{name: "alpha", status: model.StatusConnected, tools: []model.Tool{{Name: "read_file"}, {Name: "write_file"}}},
		fakeUpstream{name: "beta", status: model.StatusConnected, tools: []model.Tool{{Name: "search"}}},
	}

	r := New(ByName)
	r.Rebuild(upstreams)
	first := r.Tools()

	r.Rebuild(upstreams)
	second := r.Tools()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rebuild from the same snapshot is not idempotent (-first +second):\n%s", diff)
	}
}

func TestFindResourceExactAndOriginal(t *testing.T) {
	r := New(ByName)
	r.Rebuild([]UpstreamSource{
		fakeUpstream{name: "alpha", status: model.StatusConnected, resources: []model.Resource{{URI: "file:///a.txt"}}},
	})

	res, ok := r.FindResource("alpha://file:///a.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha", res.Owner)

	res, ok = r.FindResource("file:///a.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha", res.Owner)
}
