package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/auth"
	"coedit/awareness"
)

const (
	// writeWait bounds a single write to a peer.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before the connection
	// is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 1 << 20

	// sendBuffer is the per-session outbound queue. A session that falls
	// this far behind is disconnected rather than allowed to stall the
	// document's broadcast.
	sendBuffer = 256
)

// Session is the live binding of one connection to one authorized document
// access.
type Session struct {
	// ID is the session handle, unique per connection.
	ID string

	// Key is the document key the session is bound to.
	Key string

	// Identity is the resolved collaborator.
	Identity auth.Identity

	// Capability is what the session may do.
	Capability auth.Capability

	// CreatedAt is when the session was admitted.
	CreatedAt time.Time

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// enqueue queues an outbound frame. A session whose buffer is full is cut
// off; the reconnecting client catches up from the snapshot.
func (s *Session) enqueue(msg []byte) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("session falling behind, disconnecting",
			zap.String("session", s.ID), zap.String("document", s.Key))
		s.conn.Close()
	}
}

// writePump drains the send queue onto the connection. One per session; it
// exits when the queue closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump consumes inbound frames until the transport closes, then removes
// the session. Content ops flow through the document store; awareness
// messages bypass it entirely.
func (s *Session) readPump(srv *Server, reg *registry) {
	defer srv.remove(reg, s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("connection closed abruptly",
					zap.String("session", s.ID), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Debug("unreadable frame dropped",
				zap.String("session", s.ID), zap.Error(err))
			continue
		}

		switch env.Type {
		case MessageSync:
			s.handleSync(reg, env.Data)
		case MessageAwareness:
			s.handleAwareness(reg, env.Data)
		default:
			s.logger.Debug("unknown message type dropped",
				zap.String("session", s.ID), zap.String("type", env.Type))
		}
	}
}

// handleSync merges a content delta and broadcasts it to the session's
// peers. Read-only sessions get their mutations rejected here, at the gate:
// the transport accepted the frame, but the shared document never changes.
func (s *Session) handleSync(reg *registry, data json.RawMessage) {
	if s.Capability != auth.CapabilityReadWrite {
		s.logger.Debug("mutation from read-only session dropped",
			zap.String("session", s.ID), zap.String("document", s.Key))
		return
	}

	delta, version, err := reg.handle.ApplyLocal(data)
	if err != nil {
		// A malformed operation affects neither the document nor any
		// other session; the sender keeps editing.
		s.logger.Warn("malformed operation dropped",
			zap.String("session", s.ID), zap.String("document", s.Key), zap.Error(err))
		return
	}

	msg, err := encodeEnvelope(MessageSync, json.RawMessage(delta))
	if err != nil {
		s.logger.Error("failed to encode delta", zap.Error(err))
		return
	}
	reg.broadcast(msg, s.ID)

	s.logger.Debug("delta merged",
		zap.String("session", s.ID), zap.String("document", s.Key), zap.Uint64("version", version))
}

// handleAwareness publishes a presence update. Display name and color are
// stamped server-side from the authorized identity; cursor data passes
// through opaque.
func (s *Session) handleAwareness(reg *registry, data json.RawMessage) {
	var state awareness.State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Debug("unreadable awareness state dropped",
			zap.String("session", s.ID), zap.Error(err))
		return
	}

	state.DisplayName = s.Identity.DisplayName
	state.Color = awareness.ColorFor(s.Identity.ID)
	reg.hub.Publish(s.ID, &state)
}
