// Package endpoint implements the client-facing Streamable HTTP + SSE MCP
// server (spec §4.4): GET opens an SSE stream, POST carries JSON-RPC,
// sessions link the two, and responses are routed back over the right
// stream. Grounded on the teacher's internal/api HTTP server wiring
// (net/http ServeMux, structured request logging) generalized to the
// MCP-specific GET/POST/SSE contract spec.md describes, since no example
// repo in the retrieval pack implements Streamable-HTTP MCP itself.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/gateway"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// Server is the downstream-facing MCP endpoint.
type Server struct {
	gw               *gateway.Gateway
	dispatcher       *dispatcher
	sessions         *sessionRegistry
	allowAutoSession bool
	mux              *http.ServeMux
}

// New constructs a Server wired to gw. allowAutoSession gates the
// auto-session escape hatch from spec §4.4 (SPEC_FULL.md resolves the open
// question: defaults to true).
func New(gw *gateway.Gateway, allowAutoSession bool) *Server {
	s := &Server{
		gw:               gw,
		dispatcher:       newDispatcher(gw),
		sessions:         newSessionRegistry(),
		allowAutoSession: allowAutoSession,
		mux:              http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Canonical path plus the two alias splits clients use when they can't
	// share a single path for GET and POST (spec §6 "External Interfaces").
	for _, pair := range []struct{ get, post string }{
		{"/mcp", "/mcp"},
		{"/sse", "/messages"},
		{"/events", "/message"},
	} {
		s.mux.HandleFunc(pair.get, s.handleRoot(pair.get, pair.post))
		if pair.post != pair.get {
			s.mux.HandleFunc(pair.post, s.handlePostOnly)
		}
	}

	// OAuth endpoints must 404 by absence, never emit empty metadata
	// (spec §6: "earlier attempts to emit empty metadata broke some
	// clients").
	for _, p := range []string{"/.well-known/oauth-authorization-server", "/.well-known/oauth-protected-resource", "/register", "/authorize", "/token"} {
		s.mux.HandleFunc(p, http.NotFound)
	}

	s.mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleRoot(getPath, postPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleSSE(w, r)
		case http.MethodPost:
			s.handlePost(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) handlePostOnly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.handlePost(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "upstreams": len(s.gw.List())})
}

// handleSSE implements spec §4.4 step 1: open the stream, emit the
// endpoint event, then notifications/ready, then loop forwarding queued
// frames with a 60s idle ping.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	conn := newSSEConnection()
	s.sessions.addConnection(conn)
	defer func() {
		conn.close()
		s.sessions.removeConnection(conn.id)
	}()

	postURL := postURLFor(r)
	writeSSEEvent(w, "endpoint", []byte(postURL))
	flusher.Flush()

	ready := notificationFrame("notifications/ready", map[string]any{"serverInfo": map[string]any{"name": serverName, "version": serverVersion}})
	writeSSEEvent(w, "message", marshal(ready))
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.closed:
			return
		case frame, ok := <-conn.queue:
			if !ok {
				return
			}
			writeSSEEvent(w, "message", frame)
			flusher.Flush()
		case <-ticker.C:
			writeSSEEvent(w, "ping", []byte(fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix())))
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// postURLFor derives the POST-leg URL advertised in the "endpoint" SSE
// event. Clients POST back to the same path they'd use without the GET/POST
// split — callers using an alias pair are expected to know their own
// messages path, so this always returns the canonical /mcp.
func postURLFor(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/mcp", scheme, r.Host)
}

const sessionHeader = "Mcp-Session-Id"

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream") && accept != "" {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	var msg inbound
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	if msg.Method == "initialize" {
		s.handleInitializePost(w, &msg)
		return
	}

	if strings.HasPrefix(msg.Method, "notifications/") {
		s.handleNotification(w, &msg, sessionID)
		return
	}

	if sessionID == "" {
		if s.allowAutoSession {
			s.handleAutoSession(w, r.Context(), &msg)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if _, ok := s.sessions.session(sessionID); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	result, callErr := s.dispatcher.dispatch(r.Context(), msg.Method, msg.Params)
	frame := frameFor(msg.ID, result, callErr)
	s.routeResponse(w, sessionID, frame)
}

func (s *Server) handleInitializePost(w http.ResponseWriter, msg *inbound) {
	var p initializeParams
	_ = json.Unmarshal(msg.Params, &p)
	session := s.sessions.createSession(p.ClientInfo, p.ProtocolVersion)

	result, _ := s.dispatcher.dispatch(context.Background(), "initialize", msg.Params)
	frame := frameFor(msg.ID, result, nil)

	if conn, ok := s.sessions.takeMostRecentUnlinked(); ok {
		s.sessions.link(session.ID, conn.id)
		if !conn.enqueue(marshal(frame)) {
			logging.Warn("Endpoint", "dropping slow SSE connection for session %s", logging.TruncateSessionID(session.ID))
			conn.close()
			s.sessions.removeConnection(conn.id)
		}
		w.Header().Set(sessionHeader, session.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(sessionHeader, session.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(marshal(frame))
}

func (s *Server) handleNotification(w http.ResponseWriter, msg *inbound, sessionID string) {
	if msg.Method == "notifications/initialized" && sessionID != "" {
		s.sessions.markInitialized(sessionID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAutoSession implements spec §4.4's escape hatch for clients that
// skip initialize entirely on the SSE POST alias.
func (s *Server) handleAutoSession(w http.ResponseWriter, ctx context.Context, msg *inbound) {
	s.sessions.createAutoSession()
	result, callErr := s.dispatcher.dispatch(ctx, msg.Method, msg.Params)
	frame := frameFor(msg.ID, result, callErr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(marshal(frame))
}

// routeResponse implements spec §4.4 "Request routing after handshake".
func (s *Server) routeResponse(w http.ResponseWriter, sessionID string, frame outbound) {
	if conn, ok := s.sessions.connectionForSession(sessionID); ok {
		if conn.enqueue(marshal(frame)) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		logging.Warn("Endpoint", "dropping unresponsive SSE connection for session %s", logging.TruncateSessionID(sessionID))
		conn.close()
		s.sessions.removeConnection(conn.id)
	}
	if conn, ok := s.sessions.anyLinkedConnection(); ok {
		if conn.enqueue(marshal(frame)) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(marshal(frame))
}

func frameFor(id json.RawMessage, result any, err error) outbound {
	if err != nil {
		if je, ok := err.(*jsonrpcError); ok {
			return errorFrame(id, je.Code, je.Message)
		}
		return errorFrame(id, -32603, err.Error())
	}
	return resultFrame(id, result)
}
