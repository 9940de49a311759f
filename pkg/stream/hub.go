package stream

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/types"
)

// Handler receives decoded worker traffic from the hub. OnRegister gates the
// session: a non-nil error refuses the worker and closes the stream. All
// other callbacks are invoked from the session's read pump, one at a time
// per worker, in wire order.
type Handler interface {
	OnRegister(workerID, poolID string, caps types.WorkerCapabilities) error
	OnStatusUpdate(workerID string, update *protocol.StatusUpdate)
	OnLogChunk(workerID string, chunk *protocol.LogChunk)
	OnExecutionResult(workerID string, result *protocol.ExecutionResult)
	OnHeartbeat(workerID string)
	OnAck(workerID, messageID string)
	OnDisconnect(workerID string)
}

// Hub owns one Session per connected worker. It upgrades incoming HTTP
// requests, enforces the register-first rule through the sessions it spawns,
// and routes outbound envelopes to the right worker's queue.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handler  Handler
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a hub with no sessions. SetHandler must be called before
// the hub accepts connections.
func NewHub() *Hub {
	return &Hub{
		logger: log.WithComponent("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			// Workers are machine peers, not browsers; no origin check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// SetHandler wires the consumer of inbound traffic. Connections arriving
// before a handler is set are refused.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// HandleConnection upgrades the request and runs the worker session. The
// calling goroutine becomes the session's read pump and blocks until the
// stream ends.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	closed := h.closed
	h.mu.RUnlock()

	if handler == nil || closed {
		http.Error(w, "stream endpoint not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s := newSession(h, conn, handler)
	go s.writePump()
	s.readPump()
}

// Send enqueues an envelope for a connected worker. Enqueue order is
// delivery order.
func (h *Hub) Send(workerID string, env *protocol.Envelope) error {
	h.mu.RLock()
	s, ok := h.sessions[workerID]
	h.mu.RUnlock()

	if !ok {
		return errors.WorkerDisconnectedf("worker %s has no active stream", workerID)
	}
	return s.enqueue(env)
}

// Connected reports whether a worker currently holds a registered stream.
func (h *Hub) Connected(workerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[workerID]
	return ok
}

// Disconnect closes a worker's stream with the given reason. Unknown workers
// are a no-op.
func (h *Hub) Disconnect(workerID, reason string) {
	h.mu.RLock()
	s, ok := h.sessions[workerID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	h.logger.Info().Str("worker_id", workerID).Str("reason", reason).Msg("Disconnecting worker stream")
	s.closeWith(websocket.CloseNormalClosure, reason)
}

// Close shuts down every session. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "orchestrator shutting down")
	}
}

// attach records a registered session, superseding any previous stream held
// by the same worker id.
func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	prev, had := h.sessions[s.workerID]
	h.sessions[s.workerID] = s
	h.mu.Unlock()

	if had {
		h.logger.Warn().Str("worker_id", s.workerID).Msg("Worker reconnected, superseding previous stream")
		prev.closeWith(websocket.CloseNormalClosure, "superseded by a newer connection")
	}
	metrics.StreamSessionsActive.Inc()
}

// detach removes the session and notifies the handler. A session superseded
// by a newer one for the same worker does not fire OnDisconnect.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	current, ok := h.sessions[s.workerID]
	superseded := ok && current != s
	if ok && !superseded {
		delete(h.sessions, s.workerID)
	}
	h.mu.Unlock()

	metrics.StreamSessionsActive.Dec()
	if !superseded {
		s.handler.OnDisconnect(s.workerID)
	}
}
