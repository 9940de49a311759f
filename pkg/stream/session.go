package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/protocol"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (1MB covers log chunks)
	maxMessageSize = 1024 * 1024
)

// Session is one worker's bidirectional stream. The read pump decodes and
// dispatches inbound envelopes; the write pump drains the outbound queue.
// The queue is unbounded and FIFO: enqueue order is wire order.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	handler  Handler
	logger   zerolog.Logger
	workerID string

	// registered is written only by the read pump, before attach.
	registered bool

	mu        sync.Mutex
	queue     []*protocol.Envelope
	closed    bool
	closeCode int
	closeText string

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, handler Handler) *Session {
	return &Session{
		hub:     h,
		conn:    conn,
		handler: handler,
		logger:  h.logger,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// enqueue appends an envelope to the outbound queue and wakes the write
// pump. Fails once the session is closing.
func (s *Session) enqueue(env *protocol.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WorkerDisconnectedf("worker %s stream is closed", s.workerID)
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain takes the whole pending queue.
func (s *Session) drain() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// closeWith records the close frame to send and signals both pumps. Only the
// first call wins; later reasons are dropped.
func (s *Session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCode = code
		s.closeText = text
		s.mu.Unlock()
		close(s.done)
	})
}

// readPump decodes inbound envelopes and dispatches them to the handler.
// The first message must be REGISTER; anything else closes the stream. Runs
// on the connection's HTTP handler goroutine. The write pump owns conn.Close
// so the close frame always beats the teardown.
func (s *Session) readPump() {
	defer func() {
		s.closeWith(websocket.CloseNormalClosure, "")
		if s.registered {
			s.hub.detach(s)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.violation("undecodable envelope: " + err.Error())
			return
		}
		if err := env.Validate(); err != nil {
			s.violation(err.Error())
			return
		}

		metrics.StreamMessagesReceived.WithLabelValues(string(env.Type)).Inc()

		if !s.registered {
			if !s.handleRegister(&env) {
				return
			}
			continue
		}
		if !s.dispatch(&env) {
			return
		}
	}
}

// handleRegister enforces the register-first rule and attaches the session
// on success. Returns false when the stream must close.
func (s *Session) handleRegister(env *protocol.Envelope) bool {
	if env.Type != protocol.TypeRegister {
		s.violation("first message must be REGISTER, got " + string(env.Type))
		return false
	}

	reg, err := env.DecodeRegister()
	if err != nil {
		s.violation(err.Error())
		return false
	}
	if reg.WorkerID == "" {
		s.violation("register carries no workerId")
		return false
	}

	if err := s.handler.OnRegister(reg.WorkerID, reg.PoolID, reg.Capabilities); err != nil {
		s.logger.Warn().Err(err).
			Str("worker_id", reg.WorkerID).
			Str("pool_id", reg.PoolID).
			Msg("Worker registration refused")
		s.closeWith(websocket.ClosePolicyViolation, "registration refused: "+err.Error())
		return false
	}

	s.workerID = reg.WorkerID
	s.registered = true
	s.logger = s.logger.With().Str("worker_id", reg.WorkerID).Logger()
	s.hub.attach(s)
	s.logger.Info().Str("pool_id", reg.PoolID).Msg("Worker stream registered")

	s.ackIfRequired(env)
	return true
}

// dispatch routes a post-registration envelope. Returns false when the
// stream must close.
func (s *Session) dispatch(env *protocol.Envelope) bool {
	if env.Ack != "" {
		s.handler.OnAck(s.workerID, env.Ack)
	}

	switch env.Type {
	case protocol.TypeRegister:
		// Re-register on a live stream refreshes the record, but the
		// stream is bound to one worker id.
		reg, err := env.DecodeRegister()
		if err != nil {
			s.warnBadPayload(env.Type, err)
			return true
		}
		if reg.WorkerID != s.workerID {
			s.violation("stream is bound to worker " + s.workerID + ", got register for " + reg.WorkerID)
			return false
		}
		if err := s.handler.OnRegister(reg.WorkerID, reg.PoolID, reg.Capabilities); err != nil {
			s.logger.Warn().Err(err).Msg("Worker re-registration refused")
		}

	case protocol.TypeStatusUpdate:
		update, err := env.DecodeStatusUpdate()
		if err != nil {
			s.warnBadPayload(env.Type, err)
			return true
		}
		s.handler.OnStatusUpdate(s.workerID, update)

	case protocol.TypeLogChunk:
		chunk, err := env.DecodeLogChunk()
		if err != nil {
			s.warnBadPayload(env.Type, err)
			return true
		}
		s.handler.OnLogChunk(s.workerID, chunk)

	case protocol.TypeExecutionResult:
		result, err := env.DecodeExecutionResult()
		if err != nil {
			s.warnBadPayload(env.Type, err)
			return true
		}
		s.handler.OnExecutionResult(s.workerID, result)

	case protocol.TypeHeartbeat:
		s.handler.OnHeartbeat(s.workerID)

	default:
		// Envelope validation admits only known types, so this is an
		// orchestrator-direction type arriving from a worker.
		s.violation("worker sent orchestrator message type " + string(env.Type))
		return false
	}

	s.ackIfRequired(env)
	return true
}

// ackIfRequired settles an inbound RequiresAck envelope with a standalone
// health-probe carrying the ack.
func (s *Session) ackIfRequired(env *protocol.Envelope) {
	if !env.RequiresAck {
		return
	}
	ack, err := protocol.NewEnvelope(protocol.TypeHealthProbe, protocol.HealthProbe{Timestamp: protocol.NowMillis()})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build ack envelope")
		return
	}
	ack.Ack = env.MessageID
	if err := s.enqueue(ack); err != nil {
		s.logger.Debug().Err(err).Msg("Ack dropped, stream closing")
	}
}

// violation counts a protocol violation and schedules the close frame.
func (s *Session) violation(detail string) {
	metrics.ProtocolViolations.Inc()
	s.logger.Warn().Str("detail", detail).Msg("Worker protocol violation")
	s.closeWith(websocket.ClosePolicyViolation, errors.CodeProtocolViolation+": "+detail)
}

// warnBadPayload logs a malformed payload on an established stream. One bad
// frame does not tear down a working worker.
func (s *Session) warnBadPayload(t protocol.Type, err error) {
	metrics.ProtocolViolations.Inc()
	s.logger.Warn().Err(err).Str("type", string(t)).Msg("Malformed payload on worker stream")
}

// handleReadError logs unexpected WebSocket read errors. Expected closure
// codes are silently ignored.
func (s *Session) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		s.logger.Warn().Err(err).Msg("Worker stream read error")
	}
}

// writePump drains the outbound queue in enqueue order and keeps the
// connection alive with pings. Exactly one writer per connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			// Flush whatever was queued before the close, then say
			// goodbye.
			s.flush()
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return

		case <-s.notify:
			if !s.flush() {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes every pending envelope. Returns false on write failure.
func (s *Session) flush() bool {
	for _, env := range s.drain() {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(env); err != nil {
			s.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Worker stream write error")
			return false
		}
		metrics.StreamMessagesSent.WithLabelValues(string(env.Type)).Inc()
	}
	return true
}
