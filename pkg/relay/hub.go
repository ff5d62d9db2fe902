package relay

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alcovechat/rtc-core/pkg/protocol"
)

// sessionSendBuffer is how many envelopes a connection may have queued
// before further ones are dropped.
const sessionSendBuffer = 64

// sessionWriteTimeout bounds a single websocket write.
const sessionWriteTimeout = 10 * time.Second

// wsSession is one websocket connection of one user. A user may hold
// several at once (multiple devices). Writes go through a bounded
// outbound queue drained by one writer goroutine, so a slow receiver
// never blocks the goroutine delivering to it; when the queue fills,
// envelopes for that connection are dropped.
type wsSession struct {
	userID   string
	conn     *websocket.Conn
	outbound chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

func newWSSession(userID string, conn *websocket.Conn) *wsSession {
	s := &wsSession{
		userID:   userID,
		conn:     conn,
		outbound: make(chan protocol.Envelope, sessionSendBuffer),
	}
	go s.writeLoop()
	return s
}

func (s *wsSession) writeLoop() {
	for env := range s.outbound {
		s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
		if err := s.conn.WriteJSON(env); err != nil {
			log.Printf("Write %s to %s failed: %v", env.Type, s.userID, err)
			// Unblocks the read loop, which removes the session.
			s.conn.Close()
			for range s.outbound {
			}
			return
		}
	}
}

func (s *wsSession) send(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.outbound <- env:
	default:
		log.Printf("Dropping %s to %s: outbound queue full", env.Type, s.userID)
	}
}

// close stops the writer. Safe to call more than once; send after close
// is a no-op.
func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}

// Hub tracks every connected session, keyed by user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsSession]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*wsSession]struct{})}
}

func (h *Hub) add(sess *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sess.userID] == nil {
		h.sessions[sess.userID] = make(map[*wsSession]struct{})
	}
	h.sessions[sess.userID][sess] = struct{}{}
}

func (h *Hub) remove(sess *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[sess.userID]
	if !ok {
		return
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(h.sessions, sess.userID)
	}
}

// Online reports whether a user has at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// OnlineCount returns the number of distinct connected users.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Emit queues an envelope for every connection of one user,
// best-effort. Returns false when the user has no connections.
func (h *Hub) Emit(userID string, env protocol.Envelope) bool {
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions[userID]))
	for sess := range h.sessions[userID] {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return false
	}
	for _, sess := range targets {
		sess.send(env)
	}
	return true
}

// Broadcast queues an envelope for every connection of every user.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	var targets []*wsSession
	for _, set := range h.sessions {
		for sess := range set {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		sess.send(env)
	}
}
