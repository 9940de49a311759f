package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/types"
)

const sseKeepalive = 15 * time.Second

// handleExecutionEvents streams progress updates as server-sent events,
// or as JSON websocket frames when the client asks to upgrade. The
// subscription is taken before history is replayed, and live updates
// are deduplicated against the replay by sequence number, so attaching at
// any point in the execution's life yields the full ordered stream exactly
// once. The stream ends with the final update.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExecution(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveEventsWS(w, r, id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.Newf("response writer does not support streaming"))
		return
	}

	sub, err := s.broker.Subscribe(uuid.New().String(), id, fanout.EventsOnly, fanout.DeliverySSE, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.broker.Unsubscribe(id, sub.SubscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Resuming clients send the last sequence they saw.
	var lastSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if seq, parseErr := strconv.ParseUint(v, 10, 64); parseErr == nil {
			lastSeq = seq
		}
	}

	if done := s.replayEvents(w, id, &lastSeq); done {
		flusher.Flush()
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case u, open := <-sub.Updates():
			if !open {
				return
			}
			if u.Seq != 0 && u.Seq <= lastSeq {
				continue
			}
			writeSSE(w, u)
			flusher.Flush()
			if u.Final {
				return
			}
			lastSeq = u.Seq
		case <-keepalive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// replayEvents writes retained history newer than *lastSeq and reports
// whether the stream is complete.
func (s *Server) replayEvents(w io.Writer, id string, lastSeq *uint64) bool {
	updates, done := s.retainedEvents(id, lastSeq)
	for _, u := range updates {
		writeSSE(w, u)
	}
	return done
}

// retainedEvents returns retained history newer than *lastSeq, advancing
// *lastSeq past everything returned, and reports whether the stream is
// already complete. When the execution is terminal but its retained
// history has expired, a single final update is synthesized from the
// stored record.
func (s *Server) retainedEvents(id string, lastSeq *uint64) ([]types.ExecutionUpdate, bool) {
	history, err := s.engine.Events(id)
	if err != nil {
		exec, getErr := s.store.GetExecution(id)
		if getErr != nil || !types.IsTerminalExecutionState(exec.State) {
			return nil, false
		}
		return []types.ExecutionUpdate{finalUpdateFor(exec)}, true
	}

	var updates []types.ExecutionUpdate
	final := false
	for _, u := range history {
		if u.Seq != 0 && u.Seq <= *lastSeq {
			continue
		}
		updates = append(updates, u)
		*lastSeq = u.Seq
		final = final || u.Final
	}
	return updates, final
}

// finalUpdateFor reconstructs the closing update from a terminal record.
func finalUpdateFor(exec *types.Execution) types.ExecutionUpdate {
	var eventType types.EventType
	switch exec.Status {
	case types.ExecutionStatusSuccess:
		eventType = types.EventExecutionCompleted
	case types.ExecutionStatusCancelled:
		eventType = types.EventExecutionCancelled
	default:
		eventType = types.EventExecutionFailed
	}
	return types.ExecutionUpdate{
		ExecutionID: exec.ID,
		JobID:       exec.JobID,
		Kind:        types.UpdateKindEvent,
		Timestamp:   exec.UpdatedAt,
		EventType:   eventType,
		State:       exec.State,
		Message:     exec.ErrorMessage,
		Final:       true,
	}
}

// writeSSE emits one update in wire format. Marshalled JSON is a single
// line, so no data-field splitting is needed.
func writeSSE(w io.Writer, u types.ExecutionUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\n", u.Seq)
	if u.EventType != "" {
		fmt.Fprintf(w, "event: %s\n", u.EventType)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
