package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pulse/bus"
)

// HandleEvents handles GET /events: the job stream as server-sent events.
// The first event is init with every job; ping keeps idle proxies open.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	sub, err := s.events.Subscribe(r.Context(), s.queue)
	if err != nil {
		handleError(w, s.logger, err, "failed to subscribe")
		return
	}
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debugw("Event stream opened", "subscriber", sub.ID, logger.FieldRemote, r.RemoteAddr)
	defer s.logger.Debugw("Event stream closed", "subscriber", sub.ID, "dropped", sub.Dropped())

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				s.logger.Debugw("Event stream write failed", "subscriber", sub.ID, logger.FieldError, err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one message as an SSE frame named after its event
func writeSSE(w http.ResponseWriter, msg bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
	return err
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// HandleWebSocket handles GET /ws: the same stream as /events, one JSON
// message per frame
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	sub, err := s.events.Subscribe(r.Context(), s.queue)
	if err != nil {
		s.logger.Warnw("WebSocket subscribe failed", logger.FieldError, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	s.logger.Debugw("WebSocket client connected", "subscriber", sub.ID, logger.FieldRemote, r.RemoteAddr)

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(conn, done)
	}()
	s.writePump(conn, sub, done)

	s.events.Unsubscribe(sub)
	s.logger.Debugw("WebSocket client disconnected", "subscriber", sub.ID, "dropped", sub.Dropped())
}

// readPump discards client frames and closes done when the peer goes away.
// Reading is required for pong and close handling.
func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warnw("WebSocket read error", logger.FieldError, err)
			}
			return
		}
	}
}

// writePump owns every write to conn
func (s *Server) writePump(conn *websocket.Conn, sub *bus.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("WebSocket write failed", "subscriber", sub.ID, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
