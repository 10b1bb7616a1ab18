package transport

import (
	"sync"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// pendingMap is the per-upstream correlation-id -> PendingRequest table
// (spec §3). It is owned exclusively by its transport.
type pendingMap struct {
	mu      sync.Mutex
	entries map[string]*model.PendingRequest
}

func newPendingMap() *pendingMap {
	return &pendingMap{entries: make(map[string]*model.PendingRequest)}
}

func (p *pendingMap) add(id string) *model.PendingRequest {
	pr := model.NewPendingRequest(id)
	p.mu.Lock()
	p.entries[id] = pr
	p.mu.Unlock()
	return pr
}

func (p *pendingMap) resolve(id string, result model.PendingResult) bool {
	p.mu.Lock()
	pr, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	pr.Done <- result
	return true
}

func (p *pendingMap) remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// len reports the number of in-flight requests, for the testable invariant
// |pending_requests(u)| <= concurrently_issued_calls_in_flight(u).
func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// cancelAll fails every outstanding entry with the given result, used on
// transport shutdown (spec §5 cancellation policy).
func (p *pendingMap) cancelAll(result model.PendingResult) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*model.PendingRequest)
	p.mu.Unlock()
	for _, pr := range entries {
		pr.Done <- result
	}
}
