package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.waggle/internal/boot"
	"uk.co.dudmesh.waggle/internal/chatstore"
	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/internal/transport"
	"uk.co.dudmesh.waggle/pkg/event"
)

var (
	alice = model.User{ID: "usr_alice", Name: "Alice", Email: "alice@example.com"}
	bob   = model.User{ID: "usr_bob", Name: "Bob", Email: "bob@example.com"}
)

type fakeChannel struct {
	mu       sync.Mutex
	outcome  transport.SendOutcome
	sendErr  error
	status   transport.Status
	sent     []*event.Envelope
	handlers map[event.Type][]transport.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		status:   transport.StatusConnected,
		handlers: map[event.Type][]transport.Handler{},
	}
}

func (f *fakeChannel) Send(ctx context.Context, typ event.Type, payload interface{}) (transport.SendOutcome, error) {
	env, err := event.New(typ, payload)
	if err != nil {
		return transport.SendFailedTerminal, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcome == transport.SendDelivered {
		f.sent = append(f.sent, env)
	}
	return f.outcome, f.sendErr
}

func (f *fakeChannel) Subscribe(typ event.Type, h transport.Handler) {
	f.handlers[typ] = append(f.handlers[typ], h)
}

func (f *fakeChannel) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) setStatus(status transport.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeChannel) fail(outcome transport.SendOutcome, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = outcome
	f.sendErr = err
}

// deliver plays a server event through the registered handlers, the way
// the transport's read loop would.
func (f *fakeChannel) deliver(t *testing.T, typ event.Type, payload interface{}) {
	t.Helper()
	env, err := event.New(typ, payload)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	for _, h := range f.handlers[typ] {
		h(env)
	}
}

func (f *fakeChannel) sentOfType(typ event.Type) []*event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*event.Envelope{}
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newTestService(t *testing.T) (*service, *chatstore.Store, *fakeChannel) {
	t.Helper()
	store, err := chatstore.Open(alice.ID, &boot.Config{DataDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	channel := newFakeChannel()
	return New(alice, store, channel), store, channel
}

func TestSendMessage(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	msg, err := svc.SendMessage(context.Background(), bob, "hi bob")
	assert.Nil(err)
	assert.True(strings.HasPrefix(string(msg.ID), "tmp_"))
	assert.Equal(model.MessageStatusSending, msg.Status)

	// visible locally before any confirmation
	stored, ok := store.Message(msg.ID)
	assert.True(ok)
	assert.Equal("hi bob", stored.Content)
	assert.Equal(1, svc.pending.len())

	sent := channel.sentOfType(event.TypeNewMessage)
	assert.Equal(1, len(sent))
	p := event.NewMessage{}
	assert.Nil(sent[0].DecodePayload(&p))
	assert.Equal(string(msg.ID), p.TempID)
	assert.Equal(string(bob.ID), p.ReceiverID)

	t.Run("confirmation swaps in the server id", func(t *testing.T) {
		serverTime := time.Now().UTC()
		channel.deliver(t, event.TypeMessageSent, event.MessageSent{
			TempID:    string(msg.ID),
			MessageID: "m1",
			Timestamp: serverTime,
		})

		_, ok := store.Message(msg.ID)
		assert.False(ok)

		confirmed, ok := store.Message("m1")
		assert.True(ok)
		assert.Equal(model.MessageStatusSent, confirmed.Status)
		assert.Equal(0, svc.pending.len())
	})

	t.Run("stale confirmation is ignored", func(t *testing.T) {
		channel.deliver(t, event.TypeMessageSent, event.MessageSent{
			TempID:    "tmp_gone",
			MessageID: "m2",
			Timestamp: time.Now().UTC(),
		})
		_, ok := store.Message("m2")
		assert.False(ok)
	})
}

func TestSendMessageFailure(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	channel.fail(transport.SendFailedTerminal, model.ErrorReconnectFailed)

	msg, err := svc.SendMessage(context.Background(), bob, "into the void")
	assert.ErrorIs(err, model.ErrorReconnectFailed)
	assert.Equal(model.MessageStatusFailed, msg.Status)
	assert.Equal(0, svc.pending.len())

	// the failed message stays visible and never counts as unread
	stored, ok := store.Message(msg.ID)
	assert.True(ok)
	assert.Equal(model.MessageStatusFailed, stored.Status)

	c, ok := store.Conversation(msg.ConversationID)
	assert.True(ok)
	assert.Equal(0, c.UnreadCount)
}

func TestInboundNewMessage(t *testing.T) {
	assert := assert.New(t)
	_, store, channel := newTestService(t)

	payload := event.NewMessage{
		MessageID:      "m1",
		Content:        "hello alice",
		SenderID:       string(bob.ID),
		ReceiverID:     string(alice.ID),
		Timestamp:      time.Now().UTC(),
		ConversationID: "not-the-real-id",
		SenderName:     bob.Name,
		SenderEmail:    bob.Email,
	}
	channel.deliver(t, event.TypeNewMessage, payload)

	conversationID := model.ConversationIDFor(alice.ID, bob.ID)
	c, ok := store.Conversation(conversationID)
	assert.True(ok)
	assert.Equal(bob.Name, c.OtherUser.Name)
	assert.Equal(1, c.UnreadCount)

	m, ok := store.Message("m1")
	assert.True(ok)
	assert.Equal(conversationID, m.ConversationID)
	assert.Equal(model.MessageStatusDelivered, m.Status)

	t.Run("replayed event cannot double count", func(t *testing.T) {
		channel.deliver(t, event.TypeNewMessage, payload)

		c, _ := store.Conversation(conversationID)
		assert.Equal(1, c.UnreadCount)
		assert.Equal(1, len(store.Messages(conversationID)))
	})

	t.Run("later events refresh the peer profile", func(t *testing.T) {
		renamed := payload
		renamed.MessageID = "m2"
		renamed.SenderName = "Robert"
		channel.deliver(t, event.TypeNewMessage, renamed)

		c, _ := store.Conversation(conversationID)
		assert.Equal("Robert", c.OtherUser.Name)
	})
}

func TestInboundReadUpdate(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	msg, err := svc.SendMessage(context.Background(), bob, "read me")
	assert.Nil(err)
	channel.deliver(t, event.TypeMessageSent, event.MessageSent{
		TempID:    string(msg.ID),
		MessageID: "m1",
		Timestamp: time.Now().UTC(),
	})

	readAt := time.Now().UTC()
	channel.deliver(t, event.TypeMessageReadUpdate, event.MessageReadUpdate{
		MessageID: "m1",
		ReadBy:    string(bob.ID),
		ReadAt:    readAt,
	})

	m, _ := store.Message("m1")
	assert.Equal(model.MessageStatusRead, m.Status)
	assert.True(m.IsRead)
	assert.Equal(readAt, *m.ReadAt)

	// a replayed receipt changes nothing
	channel.deliver(t, event.TypeMessageReadUpdate, event.MessageReadUpdate{
		MessageID: "m1",
		ReadBy:    string(bob.ID),
		ReadAt:    readAt.Add(time.Hour),
	})
	m, _ = store.Message("m1")
	assert.Equal(readAt, *m.ReadAt)
}

func TestEditMessage(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	channel.deliver(t, event.TypeNewMessage, event.NewMessage{
		MessageID:  "m1",
		Content:    "orignal",
		SenderID:   string(bob.ID),
		ReceiverID: string(alice.ID),
		Timestamp:  time.Now().UTC(),
		SenderName: bob.Name,
	})

	assert.Nil(svc.EditMessage(context.Background(), "m1", "original"))
	m, _ := store.Message("m1")
	assert.Equal("original", m.Content)
	assert.Equal(1, len(channel.sentOfType(event.TypeEditMessage)))

	t.Run("unknown message", func(t *testing.T) {
		assert.ErrorIs(svc.EditMessage(context.Background(), "nope", "x"), model.ErrorUnknownMessage)
		assert.Equal(1, len(channel.sentOfType(event.TypeEditMessage)))
	})

	t.Run("broadcast echo re-applies harmlessly", func(t *testing.T) {
		channel.deliver(t, event.TypeMessageEdited, event.EditMessage{
			MessageID:  "m1",
			NewContent: "original",
			EditedAt:   time.Now().UTC(),
		})
		m, _ := store.Message("m1")
		assert.Equal("original", m.Content)
	})
}

func TestDeleteMessage(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	channel.deliver(t, event.TypeNewMessage, event.NewMessage{
		MessageID:  "m1",
		Content:    "regret",
		SenderID:   string(bob.ID),
		ReceiverID: string(alice.ID),
		Timestamp:  time.Now().UTC(),
		SenderName: bob.Name,
	})

	assert.Nil(svc.DeleteMessage(context.Background(), "m1"))
	m, _ := store.Message("m1")
	assert.Equal(model.MessageStatusDeleted, m.Status)
	assert.NotNil(m.DeletedAt)
	assert.Equal(1, len(channel.sentOfType(event.TypeDeleteMessage)))

	t.Run("repeat delete is a no-op", func(t *testing.T) {
		assert.Nil(svc.DeleteMessage(context.Background(), "m1"))
		assert.Equal(1, len(channel.sentOfType(event.TypeDeleteMessage)))
	})

	t.Run("unknown message", func(t *testing.T) {
		assert.ErrorIs(svc.DeleteMessage(context.Background(), "nope"), model.ErrorUnknownMessage)
	})
}

func TestTyping(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	conversationID := model.ConversationIDFor(alice.ID, bob.ID)

	assert.Nil(svc.SetTyping(context.Background(), bob.ID, true))
	sent := channel.sentOfType(event.TypeTypingStart)
	assert.Equal(1, len(sent))
	p := event.Typing{}
	assert.Nil(sent[0].DecodePayload(&p))
	assert.Equal(string(bob.ID), p.ReceiverID)

	assert.Nil(svc.SetTyping(context.Background(), bob.ID, false))
	assert.Equal(1, len(channel.sentOfType(event.TypeTypingStop)))

	t.Run("inbound indicator", func(t *testing.T) {
		channel.deliver(t, event.TypeTypingStart, event.Typing{UserID: string(bob.ID)})
		assert.Equal([]model.UserID{bob.ID}, store.TypingUsers(conversationID))

		channel.deliver(t, event.TypeTypingStop, event.Typing{UserID: string(bob.ID)})
		assert.Empty(store.TypingUsers(conversationID))
	})

	t.Run("peer going offline clears typing", func(t *testing.T) {
		channel.deliver(t, event.TypeTypingStart, event.Typing{UserID: string(bob.ID)})

		lastSeen := time.Now().UTC()
		channel.deliver(t, event.TypeUserPresenceUpdate, event.UserPresenceUpdate{
			UserID:   string(bob.ID),
			IsOnline: false,
			LastSeen: &lastSeen,
		})

		assert.Empty(store.TypingUsers(conversationID))
		presence, ok := store.Presence(bob.ID)
		assert.True(ok)
		assert.False(presence.IsOnline)
		assert.Equal(lastSeen, *presence.LastSeen)
	})
}

func TestServerError(t *testing.T) {
	assert := assert.New(t)
	svc, store, channel := newTestService(t)

	received := event.Error{}
	svc.OnError(func(e event.Error) { received = e })

	channel.deliver(t, event.TypeError, event.Error{Code: "UNSUPPORTED_EVENT", Message: "unknown event type"})

	assert.Equal("UNSUPPORTED_EVENT", received.Code)
	assert.Empty(store.Conversations())
}
