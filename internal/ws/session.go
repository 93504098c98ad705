package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmougeot/Alarm-server/internal/config"
	"github.com/jmougeot/Alarm-server/internal/models"
)

// Session is one live authenticated duplex connection. Outbound frames go
// through a bounded channel drained by a single writer goroutine; the reader
// side is driven by the hub's read loop. A user may have several sessions.
type Session struct {
	id       string
	userID   string
	username string
	conn     *websocket.Conn

	send chan models.Frame
	done chan struct{}

	closeOnce sync.Once
	closeMsg  string
}

func newSession(conn *websocket.Conn, userID, username string, queueDepth int) *Session {
	return &Session{
		id:       uuid.New().String(),
		userID:   userID,
		username: username,
		conn:     conn,
		send:     make(chan models.Frame, queueDepth),
		done:     make(chan struct{}),
	}
}

// UserID returns the identity the session authenticated as.
func (s *Session) UserID() string {
	return s.userID
}

// TrySend enqueues a frame without blocking. It reports false when the session
// is closed or its queue is full; the caller decides what that means.
func (s *Session) TrySend(frame models.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the session down. A non-empty reason is delivered to the client
// as a final error frame, best effort, before the transport closes.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeMsg = reason
		close(s.done)
	})
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writePump is the session's single writer: it drains the send queue, pings on
// an interval, and on shutdown attempts the final error frame before closing
// the transport. Closing the transport also unblocks the read loop.
func (s *Session) writePump(cfg config.WSConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.Close("")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("")
				return
			}
		case <-s.done:
			if s.closeMsg != "" {
				s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
				s.conn.WriteJSON(models.Frame{
					Type:    models.MsgError,
					Payload: models.ErrorPayload{Message: s.closeMsg},
				})
			}
			return
		}
	}
}
