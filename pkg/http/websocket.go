package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is the gateway's job
	},
}

// handleEvents streams bridge events over a WebSocket. Query
// parameters narrow the stream: ?types=a,b filters by event type,
// ?server=name by server.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.renderError(w, errors.NotFound("Event stream is disabled"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := eventbus.Filter{Server: r.URL.Query().Get("server")}
	if types := r.URL.Query().Get("types"); types != "" {
		filter.Types = strings.Split(types, ",")
	}

	sub, err := s.bus.Subscribe(filter)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many subscribers"),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer s.bus.Unsubscribe(sub.ID)

	s.log.Info("Event stream subscriber connected", "subscriber_id", sub.ID)
	defer s.log.Info("Event stream subscriber disconnected", "subscriber_id", sub.ID)

	go s.writeEvents(conn, sub)
	s.readEvents(conn)
}

// readEvents consumes the connection until the client goes away. The
// stream is one-directional; reads only service pings and the close
// handshake.
func (s *Server) readEvents(conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("Event stream read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) writeEvents(conn *websocket.Conn, sub *eventbus.Subscriber) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
