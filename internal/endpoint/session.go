package endpoint

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// sseConnection is one open GET stream: an outbound queue, a linked
// session (if any), and the plumbing to detect a dead client (spec §4.4
// "Backpressure and queues").
type sseConnection struct {
	id        string
	queue     chan []byte
	sessionID string // "" until linked
	createdAt time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

func newSSEConnection() *sseConnection {
	return &sseConnection{
		id:        uuid.NewString(),
		queue:     make(chan []byte, sseQueueCapacity),
		createdAt: time.Now(),
		closed:    make(chan struct{}),
	}
}

// enqueue performs the bounded, non-blocking put with a 1s timeout from
// spec §4.4; the caller is responsible for dropping the connection when
// this returns false.
func (c *sseConnection) enqueue(frame []byte) bool {
	select {
	case c.queue <- frame:
		return true
	case <-time.After(sseEnqueueTimeout):
		return false
	case <-c.closed:
		return false
	}
}

func (c *sseConnection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

const (
	sseQueueCapacity  = 100
	sseEnqueueTimeout = time.Second
	ssePingInterval   = 60 * time.Second
)

// sessionRegistry tracks ClientSessions and their linked SSE connections,
// plus the set of still-unlinked connections in open order (spec §4.4 step
// 2: "the most recently opened still-unlinked SSE connection").
type sessionRegistry struct {
	mu               sync.Mutex
	sessions         map[string]*model.ClientSession
	connections      map[string]*sseConnection // keyed by connection id
	sessionToConn    map[string]string         // session id -> connection id
	unlinkedByOpen   []string                  // connection ids, oldest first
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions:      make(map[string]*model.ClientSession),
		connections:   make(map[string]*sseConnection),
		sessionToConn: make(map[string]string),
	}
}

func (r *sessionRegistry) addConnection(c *sseConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[c.id] = c
	r.unlinkedByOpen = append(r.unlinkedByOpen, c.id)
}

func (r *sessionRegistry) removeConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
	for sid, cid := range r.sessionToConn {
		if cid == id {
			delete(r.sessionToConn, sid)
		}
	}
	r.dropUnlinked(id)
}

func (r *sessionRegistry) dropUnlinked(id string) {
	for i, cid := range r.unlinkedByOpen {
		if cid == id {
			r.unlinkedByOpen = append(r.unlinkedByOpen[:i], r.unlinkedByOpen[i+1:]...)
			return
		}
	}
}

// takeMostRecentUnlinked pops and returns the most recently opened
// still-unlinked connection, if any.
func (r *sessionRegistry) takeMostRecentUnlinked() (*sseConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unlinkedByOpen) == 0 {
		return nil, false
	}
	id := r.unlinkedByOpen[len(r.unlinkedByOpen)-1]
	r.unlinkedByOpen = r.unlinkedByOpen[:len(r.unlinkedByOpen)-1]
	return r.connections[id], true
}

func (r *sessionRegistry) createSession(clientInfo map[string]any, protocolVersion string) *model.ClientSession {
	s := &model.ClientSession{
		ID:              uuid.NewString(),
		CreatedAt:       time.Now(),
		ClientInfo:      clientInfo,
		ProtocolVersion: protocolVersion,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *sessionRegistry) createAutoSession() *model.ClientSession {
	s := &model.ClientSession{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		Initialized: true,
		AutoCreated: true,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *sessionRegistry) link(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionToConn[sessionID] = connID
	if c, ok := r.connections[connID]; ok {
		c.sessionID = sessionID
	}
}

func (r *sessionRegistry) session(id string) (*model.ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) markInitialized(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Initialized = true
	}
}

// connectionForSession returns the SSE connection linked to a session, if any.
func (r *sessionRegistry) connectionForSession(sessionID string) (*sseConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.sessionToConn[sessionID]
	if !ok {
		return nil, false
	}
	c, ok := r.connections[cid]
	return c, ok
}

// anyLinkedConnection returns an arbitrary session-linked SSE connection,
// used for clients that omit the session header (spec §4.4 routing step 2).
func (r *sessionRegistry) anyLinkedConnection() (*sseConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cid := range r.sessionToConn {
		if c, ok := r.connections[cid]; ok {
			return c, true
		}
	}
	return nil, false
}
