package chatstore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/log"
	_ "github.com/mattn/go-sqlite3"

	"uk.co.dudmesh.waggle/internal/boot"
	"uk.co.dudmesh.waggle/internal/model"
)

// Store is the authoritative local state: conversations, per-conversation
// message lists, presence and typing. Reads hand out copies; mutation
// methods are reserved for the sync coordinator and write conversations
// and messages through to a per-user sqlite file so a restarted client
// has history before any network call.
type Store struct {
	selfID model.UserID
	db     *sqlx.DB
	logger *log.Logger

	mu            sync.RWMutex
	conversations map[model.ConversationID]*model.Conversation
	messages      map[model.ConversationID][]*model.Message
	index         map[model.MessageID]*model.Message
	presence      map[model.UserID]model.Presence
	typing        map[model.ConversationID]map[model.UserID]struct{}
}

type conversationRow struct {
	ID              model.ConversationID `db:"ID"`
	OtherUserID     model.UserID         `db:"OtherUserID"`
	OtherUserName   string               `db:"OtherUserName"`
	OtherUserEmail  string               `db:"OtherUserEmail"`
	OtherUserAvatar string               `db:"OtherUserAvatar"`
	UnreadCount     int                  `db:"UnreadCount"`
	CreatedAt       time.Time            `db:"CreatedAt"`
	UpdatedAt       time.Time            `db:"UpdatedAt"`
}

func Open(selfID model.UserID, config *boot.Config) (*Store, error) {
	dbName := path.Join(config.DataDirectory, string(selfID)+"-chat.db")

	isCreating := false
	if _, err := os.Stat(dbName); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			isCreating = true
		}
	}

	db, err := sqlx.Connect("sqlite3", "file:"+dbName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &Store{
		selfID:        selfID,
		db:            db,
		logger:        log.New("chatstore"),
		conversations: map[model.ConversationID]*model.Conversation{},
		messages:      map[model.ConversationID][]*model.Message{},
		index:         map[model.MessageID]*model.Message{},
		presence:      map[model.UserID]model.Presence{},
		typing:        map[model.ConversationID]map[model.UserID]struct{}{},
	}

	if isCreating {
		if err := store.createTables(); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	} else if err := store.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SelfID() model.UserID {
	return s.selfID
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`create table conversation(
		ID              text not null primary key,
		OtherUserID     text not null,
		OtherUserName   text not null,
		OtherUserEmail  text not null,
		OtherUserAvatar text not null,
		UnreadCount     int not null default 0,
		CreatedAt       DATETIME not null,
		UpdatedAt       DATETIME not null
	)`)
	if err != nil {
		return fmt.Errorf("creating conversation table: %w", err)
	}

	_, err = s.db.Exec(`create table message(
		ID             text not null primary key,
		ConversationID text not null,
		SenderID       text not null,
		ReceiverID     text not null,
		Content        text not null,
		Status         tinyint not null default 0,
		Timestamp      DATETIME not null,
		CreatedAt      DATETIME not null,
		IsRead         boolean not null default false,
		ReadAt         DATETIME null,
		EditedAt       DATETIME null,
		DeletedAt      DATETIME null
	)`)
	if err != nil {
		return fmt.Errorf("creating message table: %w", err)
	}

	return nil
}

func (s *Store) load() error {
	rows := []conversationRow{}
	if err := s.db.Select(&rows, `select * from conversation`); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	for _, row := range rows {
		s.conversations[row.ID] = &model.Conversation{
			ID: row.ID,
			OtherUser: model.User{
				ID:     row.OtherUserID,
				Name:   row.OtherUserName,
				Email:  row.OtherUserEmail,
				Avatar: row.OtherUserAvatar,
			},
			UnreadCount: row.UnreadCount,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
	}

	messages := []model.Message{}
	if err := s.db.Select(&messages, `select * from message order by Timestamp asc`); err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	for i := range messages {
		m := messages[i]
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &m)
		s.index[m.ID] = &m
		if c, ok := s.conversations[m.ConversationID]; ok {
			if c.LastMessage == nil || m.Timestamp.After(c.LastMessage.Timestamp) {
				last := m
				c.LastMessage = &last
			}
		}
	}

	return nil
}

func (s *Store) persistConversation(c *model.Conversation) {
	row := conversationRow{
		ID:              c.ID,
		OtherUserID:     c.OtherUser.ID,
		OtherUserName:   c.OtherUser.Name,
		OtherUserEmail:  c.OtherUser.Email,
		OtherUserAvatar: c.OtherUser.Avatar,
		UnreadCount:     c.UnreadCount,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	_, err := s.db.NamedExec(`insert or replace into conversation
		(ID, OtherUserID, OtherUserName, OtherUserEmail, OtherUserAvatar, UnreadCount, CreatedAt, UpdatedAt)
		values(:ID, :OtherUserID, :OtherUserName, :OtherUserEmail, :OtherUserAvatar, :UnreadCount, :CreatedAt, :UpdatedAt)`, row)
	if err != nil {
		s.logger.Errorf("persisting conversation %s: %v", c.ID, err)
	}
}

func (s *Store) persistMessage(m *model.Message) {
	_, err := s.db.NamedExec(`insert or replace into message
		(ID, ConversationID, SenderID, ReceiverID, Content, Status, Timestamp, CreatedAt, IsRead, ReadAt, EditedAt, DeletedAt)
		values(:ID, :ConversationID, :SenderID, :ReceiverID, :Content, :Status, :Timestamp, :CreatedAt, :IsRead, :ReadAt, :EditedAt, :DeletedAt)`, m)
	if err != nil {
		s.logger.Errorf("persisting message %s: %v", m.ID, err)
	}
}

func (s *Store) removeMessageRow(id model.MessageID) {
	if _, err := s.db.Exec(`delete from message where ID = ?`, id); err != nil {
		s.logger.Errorf("removing message %s: %v", id, err)
	}
}

// Conversations returns a snapshot of all conversations ordered by
// UpdatedAt descending.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) Conversation(id model.ConversationID) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return copyConversation(c), true
}

// Messages returns a snapshot of the conversation's messages in arrival
// order.
func (s *Store) Messages(conversationID model.ConversationID) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

func (s *Store) Message(id model.MessageID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.index[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// UnreadInbound lists the conversation's messages addressed to self that
// are unread and not failed, in arrival order.
func (s *Store) UnreadInbound(conversationID model.ConversationID) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Message{}
	for _, m := range s.messages[conversationID] {
		if m.ReceiverID == s.selfID && !m.IsRead && m.Status != model.MessageStatusFailed {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) Presence(userID model.UserID) (model.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.presence[userID]
	return p, ok
}

func (s *Store) TypingUsers(conversationID model.ConversationID) []model.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.UserID{}
	for userID := range s.typing[conversationID] {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnsureConversation returns the conversation with the given peer,
// creating and persisting it if this is the first contact. Non-empty
// profile fields refresh the stored peer snapshot, so a peer's renamed
// profile carried on later events is not lost; empty fields leave the
// snapshot alone.
func (s *Store) EnsureConversation(other model.User, at time.Time) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := model.ConversationIDFor(s.selfID, other.ID)
	c, ok := s.conversations[id]
	if !ok {
		c = &model.Conversation{
			ID:        id,
			OtherUser: other,
			CreatedAt: at,
			UpdatedAt: at,
		}
		s.conversations[id] = c
		s.persistConversation(c)
		return copyConversation(c)
	}

	changed := false
	if other.Name != "" && other.Name != c.OtherUser.Name {
		c.OtherUser.Name = other.Name
		changed = true
	}
	if other.Email != "" && other.Email != c.OtherUser.Email {
		c.OtherUser.Email = other.Email
		changed = true
	}
	if other.Avatar != "" && other.Avatar != c.OtherUser.Avatar {
		c.OtherUser.Avatar = other.Avatar
		changed = true
	}
	if changed {
		s.persistConversation(c)
	}
	return copyConversation(c)
}

// PutMessage appends a message. Re-application by id is a no-op so a
// duplicate that slips past the transport filter cannot double-count.
// The owning conversation's lastMessage, updatedAt and unreadCount are
// maintained here.
func (s *Store) PutMessage(msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[msg.ID]; ok {
		return *existing, nil
	}

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return model.Message{}, model.ErrorUnknownConversation
	}

	m := msg
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &m)
	s.index[m.ID] = &m

	s.touchConversationLocked(c, &m)
	if m.ReceiverID == s.selfID && !m.IsRead && m.Status != model.MessageStatusFailed {
		c.UnreadCount++
	}
	s.persistConversation(c)
	s.persistMessage(&m)

	return m, nil
}

// ResolveMessage replaces the optimistic entry's temp id with the server
// id and advances it to sent, in place. Resolving an unknown temp id is a
// no-op.
func (s *Store) ResolveMessage(tempID, serverID model.MessageID, serverTime time.Time) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[tempID]
	if !ok {
		return model.Message{}, false
	}

	delete(s.index, tempID)
	s.removeMessageRow(tempID)

	m.ID = serverID
	m.CreatedAt = serverTime
	if m.Status.CanAdvanceTo(model.MessageStatusSent) {
		m.Status = model.MessageStatusSent
	}
	s.index[serverID] = m
	s.persistMessage(m)

	if c, ok := s.conversations[m.ConversationID]; ok {
		if c.LastMessage != nil && c.LastMessage.ID == tempID {
			last := *m
			c.LastMessage = &last
			s.persistConversation(c)
		}
	}

	return *m, true
}

// MarkFailed marks an optimistic message as failed rather than leaving it
// sending forever.
func (s *Store) MarkFailed(id model.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok || !m.Status.CanAdvanceTo(model.MessageStatusFailed) {
		return false
	}
	m.Status = model.MessageStatusFailed
	s.persistMessage(m)
	s.syncLastMessageLocked(m)
	return true
}

// MarkRead sets isRead/readAt and advances status to read, monotonically.
// Returns false when the message is unknown or already read.
func (s *Store) MarkRead(id model.MessageID, readAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok || m.IsRead {
		return false
	}

	wasCounted := m.ReceiverID == s.selfID && m.Status != model.MessageStatusFailed

	m.IsRead = true
	at := readAt
	m.ReadAt = &at
	if m.Status.CanAdvanceTo(model.MessageStatusRead) {
		m.Status = model.MessageStatusRead
	}
	s.persistMessage(m)
	s.syncLastMessageLocked(m)

	if wasCounted {
		if c, ok := s.conversations[m.ConversationID]; ok && c.UnreadCount > 0 {
			c.UnreadCount--
			s.persistConversation(c)
		}
	}
	return true
}

// ApplyEdit applies new content and an edited timestamp. Safe to apply
// twice; the server may broadcast the sender's own edit back.
func (s *Store) ApplyEdit(id model.MessageID, newContent string, editedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok || m.Status == model.MessageStatusDeleted {
		return false
	}
	m.Content = newContent
	at := editedAt
	m.EditedAt = &at
	s.persistMessage(m)
	s.syncLastMessageLocked(m)
	if c, ok := s.conversations[m.ConversationID]; ok {
		if editedAt.After(c.UpdatedAt) {
			c.UpdatedAt = editedAt
			s.persistConversation(c)
		}
	}
	return true
}

// ApplyDelete marks the message deleted. Content stays in local history;
// redaction is the UI's policy. Idempotent.
func (s *Store) ApplyDelete(id model.MessageID, deletedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok || !m.Status.CanAdvanceTo(model.MessageStatusDeleted) {
		return false
	}
	m.Status = model.MessageStatusDeleted
	at := deletedAt
	m.DeletedAt = &at
	s.persistMessage(m)
	s.syncLastMessageLocked(m)
	return true
}

func (s *Store) ResetUnread(conversationID model.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || c.UnreadCount == 0 {
		return
	}
	c.UnreadCount = 0
	s.persistConversation(c)
}

// SetPresence replaces the presence entry for the user, last write wins.
func (s *Store) SetPresence(p model.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.UserID] = p
}

func (s *Store) SetTyping(conversationID model.ConversationID, userID model.UserID, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.typing[conversationID]
	if typing {
		if !ok {
			set = map[model.UserID]struct{}{}
			s.typing[conversationID] = set
		}
		set[userID] = struct{}{}
		return
	}
	if ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, conversationID)
		}
	}
}

// ClearTyping removes the user from every typing set. A peer that went
// offline cannot still be typing.
func (s *Store) ClearTyping(userID model.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conversationID, set := range s.typing {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, conversationID)
		}
	}
}

// touchConversationLocked refreshes lastMessage and updatedAt for a newly
// arrived message. Callers must hold s.mu.
func (s *Store) touchConversationLocked(c *model.Conversation, m *model.Message) {
	if c.LastMessage == nil || !m.Timestamp.Before(c.LastMessage.Timestamp) {
		last := *m
		c.LastMessage = &last
	}
	if m.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = m.Timestamp
	}
}

// syncLastMessageLocked refreshes the conversation's lastMessage copy if
// it points at the mutated message. Callers must hold s.mu.
func (s *Store) syncLastMessageLocked(m *model.Message) {
	c, ok := s.conversations[m.ConversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != m.ID {
		return
	}
	last := *m
	c.LastMessage = &last
	s.persistConversation(c)
}

func copyConversation(c *model.Conversation) model.Conversation {
	out := *c
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}
