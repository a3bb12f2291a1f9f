package chatstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.waggle/internal/boot"
	"uk.co.dudmesh.waggle/internal/model"
)

var (
	self = model.UserID("usr_alice")
	bob  = model.User{ID: "usr_bob", Name: "Bob", Email: "bob@example.com"}
	t0   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(self, &boot.Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return store
}

func inbound(id string, at time.Time) model.Message {
	return model.Message{
		ID:             model.MessageID(id),
		ConversationID: model.ConversationIDFor(self, bob.ID),
		SenderID:       bob.ID,
		ReceiverID:     self,
		Content:        "hello from bob",
		Status:         model.MessageStatusDelivered,
		Timestamp:      at,
		CreatedAt:      at,
	}
}

func outbound(id string, at time.Time) model.Message {
	return model.Message{
		ID:             model.MessageID(id),
		ConversationID: model.ConversationIDFor(self, bob.ID),
		SenderID:       self,
		ReceiverID:     bob.ID,
		Content:        "hello from alice",
		Status:         model.MessageStatusSending,
		Timestamp:      at,
		CreatedAt:      at,
	}
}

func TestEnsureConversation(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	created := store.EnsureConversation(bob, t0)
	assert.Equal(bob.Name, created.OtherUser.Name)

	t.Run("non-empty profile fields refresh the snapshot", func(t *testing.T) {
		renamed := model.User{ID: bob.ID, Name: "Robert", Avatar: "robert.png"}
		c := store.EnsureConversation(renamed, t0.Add(time.Minute))
		assert.Equal("Robert", c.OtherUser.Name)
		assert.Equal("robert.png", c.OtherUser.Avatar)
		assert.Equal(bob.Email, c.OtherUser.Email)
	})

	t.Run("empty profile fields leave the snapshot alone", func(t *testing.T) {
		c := store.EnsureConversation(model.User{ID: bob.ID}, t0.Add(2*time.Minute))
		assert.Equal("Robert", c.OtherUser.Name)
		assert.Equal(bob.Email, c.OtherUser.Email)
	})
}

func TestPutMessage(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	t.Run("unknown conversation is rejected", func(t *testing.T) {
		_, err := store.PutMessage(inbound("m1", t0))
		assert.ErrorIs(err, model.ErrorUnknownConversation)
	})

	conversation := store.EnsureConversation(bob, t0)

	t.Run("inbound unread increments the counter", func(t *testing.T) {
		_, err := store.PutMessage(inbound("m1", t0.Add(time.Minute)))
		assert.Nil(err)

		c, ok := store.Conversation(conversation.ID)
		assert.True(ok)
		assert.Equal(1, c.UnreadCount)
		assert.Equal(model.MessageID("m1"), c.LastMessage.ID)
	})

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		_, err := store.PutMessage(inbound("m1", t0.Add(time.Minute)))
		assert.Nil(err)

		c, _ := store.Conversation(conversation.ID)
		assert.Equal(1, c.UnreadCount)
		assert.Equal(1, len(store.Messages(conversation.ID)))
	})

	t.Run("outbound does not count as unread", func(t *testing.T) {
		_, err := store.PutMessage(outbound("tmp_1", t0.Add(2*time.Minute)))
		assert.Nil(err)

		c, _ := store.Conversation(conversation.ID)
		assert.Equal(1, c.UnreadCount)
	})

	t.Run("failed inbound does not count as unread", func(t *testing.T) {
		failed := inbound("m2", t0.Add(3*time.Minute))
		failed.Status = model.MessageStatusFailed
		_, err := store.PutMessage(failed)
		assert.Nil(err)

		c, _ := store.Conversation(conversation.ID)
		assert.Equal(1, c.UnreadCount)
	})

	t.Run("counter matches a recount of the snapshot", func(t *testing.T) {
		c, _ := store.Conversation(conversation.ID)
		assert.Equal(len(store.UnreadInbound(conversation.ID)), c.UnreadCount)
	})
}

func TestResolveMessage(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	conversation := store.EnsureConversation(bob, t0)
	_, err := store.PutMessage(outbound("tmp_1", t0.Add(time.Minute)))
	assert.Nil(err)

	serverTime := t0.Add(time.Minute + time.Second)
	resolved, ok := store.ResolveMessage("tmp_1", "m1", serverTime)
	assert.True(ok)
	assert.Equal(model.MessageID("m1"), resolved.ID)
	assert.Equal(model.MessageStatusSent, resolved.Status)
	assert.Equal(serverTime, resolved.CreatedAt)

	_, ok = store.Message("tmp_1")
	assert.False(ok)
	_, ok = store.Message("m1")
	assert.True(ok)

	c, _ := store.Conversation(conversation.ID)
	assert.Equal(model.MessageID("m1"), c.LastMessage.ID)

	t.Run("stale confirmation is a no-op", func(t *testing.T) {
		_, ok := store.ResolveMessage("tmp_1", "m2", serverTime)
		assert.False(ok)
	})
}

func TestStatusTransitions(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	conversation := store.EnsureConversation(bob, t0)

	t.Run("read is monotonic", func(t *testing.T) {
		_, err := store.PutMessage(inbound("m1", t0.Add(time.Minute)))
		assert.Nil(err)

		assert.True(store.MarkRead("m1", t0.Add(2*time.Minute)))
		assert.False(store.MarkRead("m1", t0.Add(3*time.Minute)))

		m, _ := store.Message("m1")
		assert.Equal(model.MessageStatusRead, m.Status)
		assert.True(m.IsRead)
		assert.Equal(t0.Add(2*time.Minute), *m.ReadAt)

		c, _ := store.Conversation(conversation.ID)
		assert.Equal(0, c.UnreadCount)
	})

	t.Run("a read message cannot fail", func(t *testing.T) {
		assert.False(store.MarkFailed("m1"))
	})

	t.Run("only an unconfirmed message can fail", func(t *testing.T) {
		_, err := store.PutMessage(outbound("tmp_1", t0.Add(4*time.Minute)))
		assert.Nil(err)
		assert.True(store.MarkFailed("tmp_1"))

		m, _ := store.Message("tmp_1")
		assert.Equal(model.MessageStatusFailed, m.Status)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		assert.False(store.ApplyDelete("tmp_1", t0.Add(5*time.Minute)))
	})

	t.Run("delete is idempotent and blocks edits", func(t *testing.T) {
		assert.True(store.ApplyDelete("m1", t0.Add(5*time.Minute)))
		assert.False(store.ApplyDelete("m1", t0.Add(6*time.Minute)))
		assert.False(store.ApplyEdit("m1", "too late", t0.Add(6*time.Minute)))
	})
}

func TestApplyEdit(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	conversation := store.EnsureConversation(bob, t0)
	_, err := store.PutMessage(inbound("m1", t0.Add(time.Minute)))
	assert.Nil(err)

	editedAt := t0.Add(10 * time.Minute)
	assert.True(store.ApplyEdit("m1", "hello, edited", editedAt))

	m, _ := store.Message("m1")
	assert.Equal("hello, edited", m.Content)
	assert.Equal(editedAt, *m.EditedAt)

	c, _ := store.Conversation(conversation.ID)
	assert.Equal("hello, edited", c.LastMessage.Content)
	assert.Equal(editedAt, c.UpdatedAt)

	// the server echoes the sender's own edit back
	assert.True(store.ApplyEdit("m1", "hello, edited", editedAt))
}

func TestConversationOrdering(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	carol := model.User{ID: "usr_carol", Name: "Carol"}
	store.EnsureConversation(bob, t0)
	store.EnsureConversation(carol, t0.Add(time.Minute))

	conversations := store.Conversations()
	assert.Equal(2, len(conversations))
	assert.Equal(carol.ID, conversations[0].OtherUser.ID)
	assert.Equal(bob.ID, conversations[1].OtherUser.ID)

	// new activity moves bob back to the top
	bobConversation := model.ConversationIDFor(self, bob.ID)
	_, err := store.PutMessage(inbound("m1", t0.Add(2*time.Minute)))
	assert.Nil(err)

	conversations = store.Conversations()
	assert.Equal(bobConversation, conversations[0].ID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()

	store := openTestStore(t, dir)
	conversation := store.EnsureConversation(bob, t0)
	_, err := store.PutMessage(inbound("m1", t0.Add(time.Minute)))
	assert.Nil(err)
	_, err = store.PutMessage(inbound("m2", t0.Add(2*time.Minute)))
	assert.Nil(err)
	assert.True(store.MarkRead("m1", t0.Add(3*time.Minute)))
	assert.Nil(store.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	conversations := reopened.Conversations()
	assert.Equal(1, len(conversations))
	assert.Equal(conversation.ID, conversations[0].ID)
	assert.Equal(bob.ID, conversations[0].OtherUser.ID)
	assert.Equal(1, conversations[0].UnreadCount)
	assert.Equal(model.MessageID("m2"), conversations[0].LastMessage.ID)

	messages := reopened.Messages(conversation.ID)
	assert.Equal(2, len(messages))
	assert.True(messages[0].IsRead)
	assert.Equal(model.MessageStatusRead, messages[0].Status)
	assert.False(messages[1].IsRead)
	assert.WithinDuration(t0.Add(time.Minute), messages[0].Timestamp, time.Second)

	unread := reopened.UnreadInbound(conversation.ID)
	assert.Equal(1, len(unread))
	assert.Equal(model.MessageID("m2"), unread[0].ID)
}

func TestPresenceAndTyping(t *testing.T) {
	assert := assert.New(t)

	store := openTestStore(t, t.TempDir())
	defer store.Close()

	conversation := store.EnsureConversation(bob, t0)

	t.Run("presence is last write wins", func(t *testing.T) {
		store.SetPresence(model.Presence{UserID: bob.ID, IsOnline: true})
		p, ok := store.Presence(bob.ID)
		assert.True(ok)
		assert.True(p.IsOnline)

		lastSeen := t0.Add(time.Hour)
		store.SetPresence(model.Presence{UserID: bob.ID, IsOnline: false, LastSeen: &lastSeen})
		p, _ = store.Presence(bob.ID)
		assert.False(p.IsOnline)
		assert.Equal(lastSeen, *p.LastSeen)
	})

	t.Run("typing set", func(t *testing.T) {
		store.SetTyping(conversation.ID, bob.ID, true)
		assert.Equal([]model.UserID{bob.ID}, store.TypingUsers(conversation.ID))

		// repeat start is a no-op
		store.SetTyping(conversation.ID, bob.ID, true)
		assert.Equal(1, len(store.TypingUsers(conversation.ID)))

		store.SetTyping(conversation.ID, bob.ID, false)
		assert.Empty(store.TypingUsers(conversation.ID))
	})

	t.Run("clear typing on every conversation", func(t *testing.T) {
		store.SetTyping(conversation.ID, bob.ID, true)
		store.ClearTyping(bob.ID)
		assert.Empty(store.TypingUsers(conversation.ID))
	})
}
