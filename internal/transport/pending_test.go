package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

func TestPendingMapResolveDeliversOnce(t *testing.T) {
	p := newPendingMap()
	pr := p.add("x_1_aabbccdd")

	require.True(t, p.resolve("x_1_aabbccdd", model.PendingResult{Result: []byte(`"ok"`)}))
	result := <-pr.Done
	assert.Equal(t, []byte(`"ok"`), []byte(result.Result))
}

func TestPendingMapLateResolveAfterRemovalIsDiscarded(t *testing.T) {
	p := newPendingMap()
	p.add("x_2_aabbccdd")

	// Simulate the caller timing out and giving up on this id (as call()
	// does when its deadline fires) before the late response arrives.
	p.remove("x_2_aabbccdd")

	delivered := p.resolve("x_2_aabbccdd", model.PendingResult{Result: []byte(`"late"`)})
	assert.False(t, delivered, "a response for a removed id must never be delivered")
}

func TestPendingMapCancelAllFailsEveryEntryExactlyOnce(t *testing.T) {
	p := newPendingMap()
	pr1 := p.add("a")
	pr2 := p.add("b")

	p.cancelAll(model.PendingResult{Err: assertErr{}})

	r1 := <-pr1.Done
	r2 := <-pr2.Done
	assert.Error(t, r1.Err)
	assert.Error(t, r2.Err)
	assert.Equal(t, 0, p.len())
}

type assertErr struct{}

func (assertErr) Error() string { return "cancelled" }
