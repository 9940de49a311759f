package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/types"
)

const wsWriteWait = 10 * time.Second

// eventsUpgrader mirrors the worker stream's upgrader settings. Event
// consumers may be browser dashboards, so no origin check.
var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveEventsWS streams the same updates as the SSE path over a
// websocket, one JSON text frame per update. The subscription is taken
// before history is replayed so attaching mid-run yields the full
// ordered stream; the connection closes normally after the final update.
func (s *Server) serveEventsWS(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := s.broker.Subscribe(uuid.New().String(), id, fanout.EventsOnly, fanout.DeliveryWS, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.broker.Unsubscribe(id, sub.SubscriberID)

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the handshake.
		return
	}
	defer conn.Close()

	// Resuming clients pass the last sequence they saw; websockets have
	// no Last-Event-ID header.
	var lastSeq uint64
	if v := r.URL.Query().Get("lastSeq"); v != "" {
		if seq, parseErr := strconv.ParseUint(v, 10, 64); parseErr == nil {
			lastSeq = seq
		}
	}

	// The read pump discards client frames and surfaces the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	updates, done := s.retainedEvents(id, &lastSeq)
	for _, u := range updates {
		if writeWS(conn, u) != nil {
			return
		}
	}
	if done {
		closeWS(conn)
		return
	}

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
			if writeWS(conn, u) != nil {
				return
			}
			if u.Final {
				closeWS(conn)
				return
			}
			lastSeq = u.Seq
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeWS(conn *websocket.Conn, u types.ExecutionUpdate) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(u)
}

// closeWS sends a normal close frame so well-behaved clients stop cleanly.
func closeWS(conn *websocket.Conn) {
	deadline := time.Now().Add(wsWriteWait)
	conn.SetWriteDeadline(deadline)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"), deadline)
}
