package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.waggle/internal/chatstore"
	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/internal/transport"
	"uk.co.dudmesh.waggle/pkg/event"
)

// Transport is the slice of the connection layer the coordinator needs.
type Transport interface {
	Send(ctx context.Context, typ event.Type, payload interface{}) (transport.SendOutcome, error)
	Subscribe(typ event.Type, h transport.Handler)
	Status() transport.Status
}

// service is the sync coordinator: it translates user intents into
// transport commands and folds inbound events into store mutations. It is
// the only writer of the store.
type service struct {
	self    model.User
	store   *chatstore.Store
	channel Transport
	pending *pendingTable
	logger  *log.Logger
	onError func(e event.Error)
}

func New(self model.User, store *chatstore.Store, channel Transport) *service {
	s := &service{
		self:    self,
		store:   store,
		channel: channel,
		pending: newPendingTable(),
		logger:  log.New("chat"),
	}
	s.subscribe()
	return s
}

// OnError registers the callback surfaced when the server pushes an ERROR
// event. Recoverable; no store mutation accompanies it.
func (s *service) OnError(fn func(e event.Error)) {
	s.onError = fn
}

func (s *service) subscribe() {
	s.channel.Subscribe(event.TypeNewMessage, s.handleNewMessage)
	s.channel.Subscribe(event.TypeMessageSent, s.handleMessageSent)
	s.channel.Subscribe(event.TypeMessageReadUpdate, s.handleReadUpdate)
	s.channel.Subscribe(event.TypeMessageEdited, s.handleEdited)
	s.channel.Subscribe(event.TypeMessageDeleted, s.handleDeleted)
	s.channel.Subscribe(event.TypeUserPresenceUpdate, s.handlePresence)
	s.channel.Subscribe(event.TypeTypingStart, s.handleTypingStart)
	s.channel.Subscribe(event.TypeTypingStop, s.handleTypingStop)
	s.channel.Subscribe(event.TypeError, s.handleError)
}

// SendMessage writes the optimistic message before the network round-trip
// and emits the send command carrying a fresh temp id. A send the
// transport cannot deliver marks the message failed immediately.
func (s *service) SendMessage(ctx context.Context, to model.User, content string) (model.Message, error) {
	now := time.Now().UTC()
	tempID := model.NewTempID()

	conversation := s.store.EnsureConversation(to, now)

	msg := model.Message{
		ID:             model.MessageID(tempID),
		ConversationID: conversation.ID,
		SenderID:       s.self.ID,
		ReceiverID:     to.ID,
		Content:        content,
		Status:         model.MessageStatusSending,
		Timestamp:      now,
		CreatedAt:      now,
	}
	msg, err := s.store.PutMessage(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("storing optimistic message: %w", err)
	}

	s.pending.add(pendingSend{
		TempID:         tempID,
		ConversationID: conversation.ID,
		ReceiverID:     to.ID,
		CreatedAt:      now,
	})

	outcome, err := s.channel.Send(ctx, event.TypeNewMessage, event.NewMessage{
		TempID:         tempID,
		Content:        content,
		SenderID:       string(s.self.ID),
		ReceiverID:     string(to.ID),
		Timestamp:      now,
		ConversationID: string(conversation.ID),
		SenderName:     s.self.Name,
		SenderEmail:    s.self.Email,
		SenderAvatar:   s.self.Avatar,
	})
	if outcome != transport.SendDelivered {
		s.pending.resolve(tempID)
		s.store.MarkFailed(model.MessageID(tempID))
		failed, _ := s.store.Message(model.MessageID(tempID))
		return failed, fmt.Errorf("sending message: %w", err)
	}

	return msg, nil
}

// EditMessage applies the edit locally then emits the edit command. The
// server may broadcast the edit back to the sender; re-application is
// harmless.
func (s *service) EditMessage(ctx context.Context, id model.MessageID, newContent string) error {
	now := time.Now().UTC()
	if !s.store.ApplyEdit(id, newContent, now) {
		return model.ErrorUnknownMessage
	}

	outcome, err := s.channel.Send(ctx, event.TypeEditMessage, event.EditMessage{
		MessageID:  string(id),
		NewContent: newContent,
		EditedAt:   now,
	})
	if outcome != transport.SendDelivered {
		return fmt.Errorf("sending edit: %w", err)
	}
	return nil
}

// DeleteMessage marks the message deleted locally and emits the delete
// command. Content is kept in local history; rendering it redacted is the
// UI's concern.
func (s *service) DeleteMessage(ctx context.Context, id model.MessageID) error {
	now := time.Now().UTC()
	if !s.store.ApplyDelete(id, now) {
		m, ok := s.store.Message(id)
		if ok && m.Status == model.MessageStatusDeleted {
			// already deleted, nothing left to do or announce
			return nil
		}
		return model.ErrorUnknownMessage
	}

	outcome, err := s.channel.Send(ctx, event.TypeDeleteMessage, event.DeleteMessage{
		MessageID: string(id),
		DeletedAt: now,
	})
	if outcome != transport.SendDelivered {
		return fmt.Errorf("sending delete: %w", err)
	}
	return nil
}

// SetTyping forwards the indicator with no store mutation; typing state is
// only meaningful for peers, not self.
func (s *service) SetTyping(ctx context.Context, receiverID model.UserID, typing bool) error {
	typ := event.TypeTypingStart
	if !typing {
		typ = event.TypeTypingStop
	}
	outcome, err := s.channel.Send(ctx, typ, event.Typing{ReceiverID: string(receiverID)})
	if outcome != transport.SendDelivered {
		return fmt.Errorf("sending typing indicator: %w", err)
	}
	return nil
}

func (s *service) handleNewMessage(env *event.Envelope) {
	p := event.NewMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("new message: %v", err)
		return
	}

	senderID := model.UserID(p.SenderID)
	receiverID := model.UserID(p.ReceiverID)

	peer := model.User{ID: senderID, Name: p.SenderName, Email: p.SenderEmail, Avatar: p.SenderAvatar}
	if senderID == s.self.ID {
		peer = model.User{ID: receiverID}
	}

	// the conversation id is derived from the pair, never trusted from
	// the wire
	conversation := s.store.EnsureConversation(peer, p.Timestamp)

	id := model.MessageID(p.MessageID)
	if id == "" {
		id = model.MessageID(p.TempID)
	}
	if id == "" {
		id = model.MessageID(model.CreateID())
	}

	if _, err := s.store.PutMessage(model.Message{
		ID:             id,
		ConversationID: conversation.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        p.Content,
		Status:         model.MessageStatusDelivered,
		Timestamp:      p.Timestamp,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		s.logger.Errorf("applying new message %s: %v", id, err)
	}
}

func (s *service) handleMessageSent(env *event.Envelope) {
	p := event.MessageSent{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("message sent: %v", err)
		return
	}

	// stale confirmations are a no-op, the message may have been
	// superseded or evicted
	s.pending.resolve(p.TempID)
	if _, ok := s.store.ResolveMessage(model.MessageID(p.TempID), model.MessageID(p.MessageID), p.Timestamp); !ok {
		s.logger.Debugf("confirmation for unknown temp id %s", p.TempID)
	}
}

func (s *service) handleReadUpdate(env *event.Envelope) {
	p := event.MessageReadUpdate{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("read update: %v", err)
		return
	}
	s.store.MarkRead(model.MessageID(p.MessageID), p.ReadAt)
}

func (s *service) handleEdited(env *event.Envelope) {
	p := event.EditMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("edited: %v", err)
		return
	}
	s.store.ApplyEdit(model.MessageID(p.MessageID), p.NewContent, p.EditedAt)
}

func (s *service) handleDeleted(env *event.Envelope) {
	p := event.DeleteMessage{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("deleted: %v", err)
		return
	}
	s.store.ApplyDelete(model.MessageID(p.MessageID), p.DeletedAt)
}

func (s *service) handlePresence(env *event.Envelope) {
	p := event.UserPresenceUpdate{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("presence: %v", err)
		return
	}
	userID := model.UserID(p.UserID)
	s.store.SetPresence(model.Presence{UserID: userID, IsOnline: p.IsOnline, LastSeen: p.LastSeen})
	if !p.IsOnline {
		s.store.ClearTyping(userID)
	}
}

func (s *service) handleTypingStart(env *event.Envelope) {
	s.applyTyping(env, true)
}

func (s *service) handleTypingStop(env *event.Envelope) {
	s.applyTyping(env, false)
}

func (s *service) applyTyping(env *event.Envelope, typing bool) {
	p := event.Typing{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("typing: %v", err)
		return
	}
	userID := model.UserID(p.UserID)
	if userID == "" {
		return
	}
	conversationID := model.ConversationIDFor(s.self.ID, userID)
	s.store.SetTyping(conversationID, userID, typing)
}

func (s *service) handleError(env *event.Envelope) {
	p := event.Error{}
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Warnf("error event: %v", err)
		return
	}
	s.logger.Warnf("server error %s: %s", p.Code, p.Message)
	if s.onError != nil {
		s.onError(p)
	}
}
