package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/protocol"
	"github.com/droverhq/drover/pkg/types"
)

// Stream timeouts match the orchestrator side: it pings every 54s and
// expects traffic within 60s, so the agent mirrors the same bounds.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1024 * 1024

	dialTimeout = 10 * time.Second
)

// link is one connection's lifetime: register-first, then a read loop on
// the session goroutine and a write pump draining the outbound queue.
// Enqueue order is wire order.
type link struct {
	agent  *Agent
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []*protocol.Envelope
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	registerID string
	regAcked   atomic.Bool
}

func newLink(a *Agent, conn *websocket.Conn) *link {
	return &link{
		agent:  a,
		conn:   conn,
		logger: a.logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// session dials the orchestrator and runs one link until it drops.
// Returns whether the registration was acknowledged, so the caller can
// reset its backoff.
func (a *Agent) session() (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(a.ctx, a.cfg.ServerURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, errors.OperationFailed(err, "dial orchestrator stream")
	}

	l := newLink(a, conn)
	return l.run()
}

// run owns the read side. The write pump owns conn.Close so queued
// frames are flushed before teardown. The session context is cancelled
// on return, killing any in-flight task: a dropped stream never resumes.
func (l *link) run() (bool, error) {
	sessCtx, cancel := context.WithCancel(l.agent.ctx)
	defer cancel()

	// Agent shutdown closes the link so ReadMessage unblocks.
	go func() {
		select {
		case <-l.agent.ctx.Done():
			l.closeWith()
		case <-l.done:
		}
	}()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPingHandler(func(appData string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go l.writePump()

	// Register before the heartbeat loop starts so it is first on the
	// wire.
	if err := l.register(); err != nil {
		l.closeWith()
		return false, err
	}
	go l.heartbeatLoop()

	err := l.readLoop(sessCtx)
	l.closeWith()
	return l.regAcked.Load(), err
}

// register sends the mandatory first message. The ack it requests is the
// positive confirmation that the orchestrator accepted this worker.
func (l *link) register() error {
	reg, err := protocol.NewEnvelope(protocol.TypeRegister, &protocol.RegisterRequest{
		WorkerID:     l.agent.cfg.WorkerID,
		PoolID:       l.agent.cfg.PoolID,
		Capabilities: l.agent.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	reg.RequiresAck = true
	l.registerID = reg.MessageID
	return l.enqueue(reg)
}

// readLoop decodes inbound envelopes until the stream drops.
func (l *link) readLoop(sessCtx context.Context) error {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				l.logger.Warn().Err(err).Msg("Orchestrator stream read error")
			}
			return err
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			l.logger.Warn().Err(err).Msg("Undecodable envelope from orchestrator")
			continue
		}
		if err := env.Validate(); err != nil {
			l.logger.Warn().Err(err).Msg("Invalid envelope from orchestrator")
			continue
		}

		if env.Ack != "" {
			l.acked(env.Ack)
		}

		switch env.Type {
		case protocol.TypeExecutionAssignment:
			l.handleAssignment(sessCtx, &env)

		case protocol.TypeCancelSignal:
			signal, err := env.DecodeCancelSignal()
			if err != nil {
				l.logger.Warn().Err(err).Msg("Malformed cancel signal")
				continue
			}
			l.agent.cancelRun(signal.Reason)
			l.ackIfRequired(&env)

		case protocol.TypeHealthProbe:
			l.ackIfRequired(&env)

		default:
			// A worker-direction type arriving from the orchestrator.
			l.logger.Warn().Str("type", string(env.Type)).Msg("Orchestrator sent worker message type")
		}
	}
}

// handleAssignment acks receipt and launches the executor. A second
// assignment while one is running is refused; the orchestrator's start
// grace will time it out and reschedule.
func (l *link) handleAssignment(sessCtx context.Context, env *protocol.Envelope) {
	assignment, err := env.DecodeExecutionAssignment()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Malformed assignment")
		return
	}
	l.ackIfRequired(env)

	runCtx, ok := l.agent.beginRun(sessCtx, assignment.ExecutionID)
	if !ok {
		l.logger.Warn().
			Str("execution_id", assignment.ExecutionID).
			Msg("Assignment refused, a task is already running")
		return
	}

	l.logger.Info().
		Str("execution_id", assignment.ExecutionID).
		Str("job_id", assignment.JobID).
		Int("tasks", len(assignment.Definition.Tasks)).
		Msg("Assignment accepted")

	l.agent.wg.Add(1)
	go func() {
		defer l.agent.wg.Done()
		defer l.agent.endRun()

		result := l.agent.executor.Run(runCtx, &assignment.Definition, streamSink{l})
		l.sendResult(assignment.ExecutionID, result)
	}()
}

// sendResult reports the verdict. It rides the same queue as the log
// chunks, so every chunk of output precedes it on the wire.
func (l *link) sendResult(executionID string, result *protocol.ExecutionResult) {
	env, err := protocol.NewEnvelope(protocol.TypeExecutionResult, result)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to build result envelope")
		return
	}
	env.RequiresAck = true
	if err := l.enqueue(env); err != nil {
		l.logger.Warn().
			Str("execution_id", executionID).
			Msg("Stream dropped before the result was sent")
		return
	}
	l.logger.Info().
		Str("execution_id", executionID).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Msg("Result reported")
}

// acked resolves an inbound acknowledgment.
func (l *link) acked(messageID string) {
	if messageID == l.registerID && !l.regAcked.Swap(true) {
		l.logger.Info().Str("pool_id", l.agent.cfg.PoolID).Msg("Registration acknowledged")
		return
	}
	l.logger.Debug().Str("message_id", messageID).Msg("Ack received")
}

// ackIfRequired settles an inbound RequiresAck envelope with a standalone
// heartbeat carrying the ack.
func (l *link) ackIfRequired(env *protocol.Envelope) {
	if !env.RequiresAck {
		return
	}
	ack, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: protocol.NowMillis()})
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to build ack envelope")
		return
	}
	ack.Ack = env.MessageID
	if err := l.enqueue(ack); err != nil {
		l.logger.Debug().Msg("Ack dropped, stream closing")
	}
}

// heartbeatLoop keeps the worker's liveness fresh.
func (l *link) heartbeatLoop() {
	ticker := time.NewTicker(l.agent.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: protocol.NowMillis()})
			if err != nil {
				continue
			}
			if l.enqueue(env) != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// enqueue appends an envelope to the outbound queue and wakes the write
// pump. Fails once the link is closing.
func (l *link) enqueue(env *protocol.Envelope) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.WorkerDisconnectedf("orchestrator stream is closed")
	}
	l.queue = append(l.queue, env)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain takes the whole pending queue.
func (l *link) drain() []*protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.queue
	l.queue = nil
	return out
}

func (l *link) closeWith() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	})
}

// writePump drains the outbound queue in enqueue order. Exactly one
// writer per connection; it owns conn.Close.
func (l *link) writePump() {
	defer l.conn.Close()

	for {
		select {
		case <-l.done:
			// Flush what was queued before the close, then say goodbye.
			l.flush()
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"))
			return

		case <-l.notify:
			if !l.flush() {
				l.closeWith()
				return
			}
		}
	}
}

// flush writes every pending envelope. Returns false on write failure.
func (l *link) flush() bool {
	for _, env := range l.drain() {
		l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteJSON(env); err != nil {
			l.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Orchestrator stream write error")
			return false
		}
	}
	return true
}

// streamSink forwards executor output over the link. Status updates and
// log chunks are attributed server-side to the worker's active
// assignment.
type streamSink struct {
	l *link
}

func (s streamSink) Event(eventType types.EventType, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeStatusUpdate, &protocol.StatusUpdate{
		EventType: eventType,
		Message:   message,
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		return
	}
	_ = s.l.enqueue(env)
}

func (s streamSink) Log(stream types.LogStream, content []byte) {
	env, err := protocol.NewEnvelope(protocol.TypeLogChunk, &protocol.LogChunk{
		Stream:    stream,
		Content:   content,
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		return
	}
	_ = s.l.enqueue(env)
}
