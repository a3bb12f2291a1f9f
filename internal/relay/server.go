package relay

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"

	"uk.co.dudmesh.waggle/internal/boot"
	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/pkg/event"
)

// Server is the development relay: the authoritative counterpart the
// client synchronizes against. Accounts and history live in memory; it
// exists so the client can be run end-to-end, not to be a system of
// record.
type Server struct {
	config *boot.Config
	logger *log.Logger
	hub    *hub

	mu       sync.RWMutex
	accounts map[model.UserID]*account
	byEmail  map[string]model.UserID
	history  map[model.ConversationID][]*storedMessage
	byID     map[string]*storedMessage
	lastSeen map[model.UserID]time.Time
}

type account struct {
	user         model.User
	passwordHash []byte
}

type storedMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	Timestamp      time.Time  `json:"timestamp"`
	CreatedAt      time.Time  `json:"createdAt"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

type conversationSummary struct {
	ID          string         `json:"id"`
	OtherUser   model.User     `json:"otherUser"`
	LastMessage *storedMessage `json:"lastMessage,omitempty"`
	UnreadCount int            `json:"unreadCount"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

type authResponse struct {
	User  model.User `json:"user"`
	Token string     `json:"token"`
}

func New(config *boot.Config) *Server {
	return &Server{
		config:   config,
		logger:   log.New("relay"),
		hub:      newHub(),
		accounts: map[model.UserID]*account{},
		byEmail:  map[string]model.UserID{},
		history:  map[model.ConversationID][]*storedMessage{},
		byID:     map[string]*storedMessage{},
		lastSeen: map[model.UserID]time.Time{},
	}
}

func (s *Server) RegisterRoutes(server *echo.Echo) {
	server.POST("/api/register", s.handleRegister)
	server.POST("/api/login", s.handleLogin)

	authed := server.Group("/api", s.authMiddleware)
	authed.GET("/users/search", s.handleSearchUsers)
	authed.GET("/conversations", s.handleConversations)
	authed.GET("/conversations/:otherUserId/messages", s.handleHistory)

	server.GET("/ws", s.handleSocket)
}

func (s *Server) handleRegister(c echo.Context) error {
	req := credentialsRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), 10)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "hashing password")
	}

	user := model.User{
		ID:     model.UserID(model.CreateID()),
		Name:   req.Name,
		Email:  req.Email,
		Avatar: req.Avatar,
	}

	s.mu.Lock()
	if _, exists := s.byEmail[req.Email]; exists {
		s.mu.Unlock()
		return echo.NewHTTPError(http.StatusConflict, "email already registered")
	}
	s.accounts[user.ID] = &account{user: user, passwordHash: hash}
	s.byEmail[req.Email] = user.ID
	s.mu.Unlock()

	token, err := issueToken(user.ID, s.config.TokenSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "issuing token")
	}
	return c.JSON(http.StatusCreated, authResponse{User: user, Token: token})
}

func (s *Server) handleLogin(c echo.Context) error {
	req := credentialsRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	s.mu.RLock()
	userID, ok := s.byEmail[req.Email]
	var acct *account
	if ok {
		acct = s.accounts[userID]
	}
	s.mu.RUnlock()

	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, model.ErrorInvalidUsernameOrPassword.Error())
	}

	token, err := issueToken(acct.user.ID, s.config.TokenSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "issuing token")
	}
	return c.JSON(http.StatusOK, authResponse{User: acct.user, Token: token})
}

func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		userID, err := parseToken(tokenString, s.config.TokenSecret)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, model.ErrorInvalidToken.Error())
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (s *Server) handleSearchUsers(c echo.Context) error {
	selfID := c.Get("userID").(model.UserID)
	query := strings.ToLower(c.QueryParam("q"))

	s.mu.RLock()
	out := []model.User{}
	for _, acct := range s.accounts {
		if acct.user.ID == selfID {
			continue
		}
		if query == "" ||
			strings.Contains(strings.ToLower(acct.user.Name), query) ||
			strings.Contains(strings.ToLower(acct.user.Email), query) {
			out = append(out, acct.user)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleConversations(c echo.Context) error {
	selfID := c.Get("userID").(model.UserID)

	s.mu.RLock()
	out := []conversationSummary{}
	for conversationID, messages := range s.history {
		if len(messages) == 0 {
			continue
		}
		first := messages[0]
		var otherID model.UserID
		switch selfID {
		case model.UserID(first.SenderID):
			otherID = model.UserID(first.ReceiverID)
		case model.UserID(first.ReceiverID):
			otherID = model.UserID(first.SenderID)
		default:
			continue
		}

		summary := conversationSummary{
			ID:        string(conversationID),
			CreatedAt: first.CreatedAt,
		}
		if acct := s.accounts[otherID]; acct != nil {
			summary.OtherUser = acct.user
		} else {
			summary.OtherUser = model.User{ID: otherID}
		}
		for _, m := range messages {
			msg := *m
			summary.LastMessage = &msg
			summary.UpdatedAt = m.Timestamp
			if m.ReceiverID == string(selfID) && !m.IsRead && m.Status != "failed" {
				summary.UnreadCount++
			}
		}
		out = append(out, summary)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c echo.Context) error {
	selfID := c.Get("userID").(model.UserID)
	otherID := model.UserID(c.Param("otherUserId"))
	conversationID := model.ConversationIDFor(selfID, otherID)

	skip, _ := strconv.Atoi(c.QueryParam("skip"))
	if skip < 0 {
		skip = 0
	}
	take, _ := strconv.Atoi(c.QueryParam("take"))
	if take <= 0 {
		take = 50
	}

	s.mu.RLock()
	messages := s.history[conversationID]
	out := []storedMessage{}
	for i := skip; i < len(messages) && len(out) < take; i++ {
		out = append(out, *messages[i])
	}
	s.mu.RUnlock()

	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSocket(c echo.Context) error {
	userID := model.UserID(c.QueryParam("userId"))
	tokenString := c.QueryParam("token")

	tokenUser, err := parseToken(tokenString, s.config.TokenSecret)
	if err != nil || tokenUser != userID {
		return echo.NewHTTPError(http.StatusUnauthorized, model.ErrorInvalidToken.Error())
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	sess := s.hub.register(userID, conn)
	s.announcePresence(ctx, userID, true)
	s.sendOnlineRoster(ctx, sess)

	defer func() {
		s.hub.unregister(userID, sess)
		s.mu.Lock()
		s.lastSeen[userID] = time.Now().UTC()
		s.mu.Unlock()
		s.announcePresence(context.Background(), userID, false)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		env, err := event.Decode(data)
		if err != nil {
			s.logger.Warnf("malformed frame from %s: %v", userID, err)
			continue
		}
		s.handleEnvelope(ctx, sess, env)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, sess *session, env *event.Envelope) {
	switch env.Type {
	case event.TypePing:
		s.mu.Lock()
		s.lastSeen[sess.userID] = time.Now().UTC()
		s.mu.Unlock()
	case event.TypeNewMessage:
		s.relayNewMessage(ctx, sess, env)
	case event.TypeMessageRead:
		s.relayReadReceipt(ctx, sess, env)
	case event.TypeEditMessage:
		s.relayEdit(ctx, sess, env)
	case event.TypeDeleteMessage:
		s.relayDelete(ctx, sess, env)
	case event.TypeTypingStart, event.TypeTypingStop:
		s.relayTyping(ctx, sess, env)
	default:
		s.sendError(ctx, sess, "UNSUPPORTED_EVENT", "unsupported event type "+string(env.Type))
	}
}

func (s *Server) relayNewMessage(ctx context.Context, sess *session, env *event.Envelope) {
	p := event.NewMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(ctx, sess, "BAD_PAYLOAD", err.Error())
		return
	}

	now := time.Now().UTC()
	receiverID := model.UserID(p.ReceiverID)
	conversationID := model.ConversationIDFor(sess.userID, receiverID)

	stored := &storedMessage{
		ID:             cuid2.Generate(),
		ConversationID: string(conversationID),
		SenderID:       string(sess.userID),
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		Status:         "delivered",
		Timestamp:      p.Timestamp,
		CreatedAt:      now,
	}

	s.mu.Lock()
	s.history[conversationID] = append(s.history[conversationID], stored)
	s.byID[stored.ID] = stored
	sender := model.User{ID: sess.userID}
	if acct := s.accounts[sess.userID]; acct != nil {
		sender = acct.user
	}
	s.mu.Unlock()

	ack, _ := event.New(event.TypeMessageSent, event.MessageSent{
		TempID:    p.TempID,
		MessageID: stored.ID,
		Timestamp: now,
	})
	if err := sess.send(ctx, ack); err != nil {
		s.logger.Warnf("acking %s: %v", stored.ID, err)
	}

	forward, _ := event.New(event.TypeNewMessage, event.NewMessage{
		TempID:         p.TempID,
		MessageID:      stored.ID,
		Content:        p.Content,
		SenderID:       string(sess.userID),
		ReceiverID:     p.ReceiverID,
		Timestamp:      p.Timestamp,
		ConversationID: string(conversationID),
		SenderName:     sender.Name,
		SenderEmail:    sender.Email,
		SenderAvatar:   sender.Avatar,
	})
	s.hub.sendTo(ctx, receiverID, forward)
}

func (s *Server) relayReadReceipt(ctx context.Context, sess *session, env *event.Envelope) {
	p := event.MessageRead{}
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(ctx, sess, "BAD_PAYLOAD", err.Error())
		return
	}

	now := time.Now().UTC()

	s.mu.Lock()
	stored, ok := s.byID[p.MessageID]
	var senderID model.UserID
	if ok && !stored.IsRead {
		stored.IsRead = true
		stored.ReadAt = &now
		stored.Status = "read"
		senderID = model.UserID(stored.SenderID)
	}
	s.mu.Unlock()

	if senderID == "" {
		return
	}

	update, _ := event.New(event.TypeMessageReadUpdate, event.MessageReadUpdate{
		MessageID: p.MessageID,
		ReadBy:    string(sess.userID),
		ReadAt:    now,
	})
	s.hub.sendTo(ctx, senderID, update)
}

func (s *Server) relayEdit(ctx context.Context, sess *session, env *event.Envelope) {
	p := event.EditMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(ctx, sess, "BAD_PAYLOAD", err.Error())
		return
	}

	s.mu.Lock()
	stored, ok := s.byID[p.MessageID]
	var receiverID model.UserID
	if ok {
		stored.Content = p.NewContent
		at := p.EditedAt
		stored.EditedAt = &at
		receiverID = model.UserID(stored.ReceiverID)
		if receiverID == sess.userID {
			receiverID = model.UserID(stored.SenderID)
		}
	}
	s.mu.Unlock()

	if !ok {
		s.sendError(ctx, sess, "UNKNOWN_MESSAGE", "no such message "+p.MessageID)
		return
	}

	edited, _ := event.New(event.TypeMessageEdited, p)
	s.hub.sendTo(ctx, receiverID, edited)
	// the editor gets the broadcast too; applying it twice is harmless
	s.hub.sendTo(ctx, sess.userID, edited)
}

func (s *Server) relayDelete(ctx context.Context, sess *session, env *event.Envelope) {
	p := event.DeleteMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(ctx, sess, "BAD_PAYLOAD", err.Error())
		return
	}

	s.mu.Lock()
	stored, ok := s.byID[p.MessageID]
	var receiverID model.UserID
	if ok {
		at := p.DeletedAt
		stored.DeletedAt = &at
		stored.Status = "deleted"
		receiverID = model.UserID(stored.ReceiverID)
		if receiverID == sess.userID {
			receiverID = model.UserID(stored.SenderID)
		}
	}
	s.mu.Unlock()

	if !ok {
		s.sendError(ctx, sess, "UNKNOWN_MESSAGE", "no such message "+p.MessageID)
		return
	}

	deleted, _ := event.New(event.TypeMessageDeleted, p)
	s.hub.sendTo(ctx, receiverID, deleted)
	s.hub.sendTo(ctx, sess.userID, deleted)
}

func (s *Server) relayTyping(ctx context.Context, sess *session, env *event.Envelope) {
	p := event.Typing{}
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(ctx, sess, "BAD_PAYLOAD", err.Error())
		return
	}

	forward, _ := event.New(env.Type, event.Typing{UserID: string(sess.userID)})
	s.hub.sendTo(ctx, model.UserID(p.ReceiverID), forward)
}

func (s *Server) announcePresence(ctx context.Context, userID model.UserID, online bool) {
	p := event.UserPresenceUpdate{UserID: string(userID), IsOnline: online}
	if !online {
		s.mu.RLock()
		if at, ok := s.lastSeen[userID]; ok {
			seen := at
			p.LastSeen = &seen
		}
		s.mu.RUnlock()
	}
	env, _ := event.New(event.TypeUserPresenceUpdate, p)
	s.hub.broadcast(ctx, userID, env)
}

// sendOnlineRoster tells a freshly connected client who is already online.
func (s *Server) sendOnlineRoster(ctx context.Context, sess *session) {
	for _, userID := range s.hub.onlineUsers() {
		if userID == sess.userID {
			continue
		}
		env, _ := event.New(event.TypeUserPresenceUpdate, event.UserPresenceUpdate{
			UserID:   string(userID),
			IsOnline: true,
		})
		if err := sess.send(ctx, env); err != nil {
			return
		}
	}
}

func (s *Server) sendError(ctx context.Context, sess *session, code, message string) {
	env, _ := event.New(event.TypeError, event.Error{Code: code, Message: message})
	if err := sess.send(ctx, env); err != nil {
		s.logger.Warnf("sending error to %s: %v", sess.userID, err)
	}
}
