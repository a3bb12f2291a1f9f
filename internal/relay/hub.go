package relay

import (
	"context"
	"sync"

	"github.com/labstack/gommon/log"
	"nhooyr.io/websocket"

	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/pkg/event"
)

type session struct {
	userID model.UserID
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *session) send(ctx context.Context, env *event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// hub tracks the one live session per user. Registering a second session
// for the same user closes the first.
type hub struct {
	logger   *log.Logger
	mu       sync.RWMutex
	sessions map[model.UserID]*session
}

func newHub() *hub {
	return &hub{
		logger:   log.New("hub"),
		sessions: map[model.UserID]*session{},
	}
}

func (h *hub) register(userID model.UserID, conn *websocket.Conn) *session {
	sess := &session{userID: userID, conn: conn}

	h.mu.Lock()
	prior := h.sessions[userID]
	h.sessions[userID] = sess
	h.mu.Unlock()

	if prior != nil {
		prior.conn.Close(websocket.StatusPolicyViolation, "superseded by a new connection")
	}
	return sess
}

func (h *hub) unregister(userID model.UserID, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == sess {
		delete(h.sessions, userID)
	}
}

func (h *hub) sendTo(ctx context.Context, userID model.UserID, env *event.Envelope) bool {
	h.mu.RLock()
	sess := h.sessions[userID]
	h.mu.RUnlock()

	if sess == nil {
		return false
	}
	if err := sess.send(ctx, env); err != nil {
		h.logger.Warnf("sending %s to %s: %v", env.Type, userID, err)
		return false
	}
	return true
}

// broadcast sends to every session except the given user.
func (h *hub) broadcast(ctx context.Context, except model.UserID, env *event.Envelope) {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for userID, sess := range h.sessions {
		if userID != except {
			sessions = append(sessions, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.send(ctx, env); err != nil {
			h.logger.Warnf("broadcasting %s to %s: %v", env.Type, sess.userID, err)
		}
	}
}

func (h *hub) onlineUsers() []model.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.UserID, 0, len(h.sessions))
	for userID := range h.sessions {
		out = append(out, userID)
	}
	return out
}
