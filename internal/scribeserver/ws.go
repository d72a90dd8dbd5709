package scribeserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkorchev/lectoscribe/internal/engine/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

// handleEvents streams progress events for one request over a websocket.
// Buffered history is replayed first so late subscribers see the full
// sequence, then live events follow until a terminal stage or disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, unsubscribe := s.ctrl.Events().Subscribe(id)
	defer unsubscribe()

	var lastSeq int64
	for _, ev := range s.ctrl.Events().Since(0) {
		if ev.RequestID != id {
			continue
		}
		if err := writeEvent(conn, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
		if ev.Stage.Terminal() {
			sendClose(conn)
			return
		}
	}

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
			if ev.Stage.Terminal() {
				sendClose(conn)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev jobs.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

func sendClose(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}
