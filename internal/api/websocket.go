package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fluentsync/internal/events"
	"fluentsync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var _ events.Session = (*wsSession)(nil)

// wsSession is one connected application instance. Writes are serialised
// because gorilla connections allow a single concurrent writer.
type wsSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSession) sendError(msg string) {
	resp, _ := json.Marshal(map[string]string{"error": msg})
	_ = s.Send(resp)
}

// handleWebsocket registers the connection with the hub for broadcasts and
// routes inbound frames as client messages until the peer disconnects.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "messaging is not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer func() { _ = conn.Close() }()

	session := &wsSession{id: uuid.NewString(), conn: conn}
	s.deps.Hub.Register(session)
	defer s.deps.Hub.Unregister(session.id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			session.sendError("invalid message format")
			continue
		}

		if msg.Type == models.MessageSyncNow {
			go func() { _ = s.deliver(s.baseCtx, msg) }()
			continue
		}
		if err := s.deliver(r.Context(), msg); err != nil {
			session.sendError(err.Error())
		}
	}
}
