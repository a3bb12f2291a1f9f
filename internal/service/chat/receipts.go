package chat

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.waggle/internal/chatstore"
	"uk.co.dudmesh.waggle/internal/model"
	"uk.co.dudmesh.waggle/internal/transport"
	"uk.co.dudmesh.waggle/pkg/event"
)

// ReadReceiptTracker acknowledges unread inbound messages when a
// conversation becomes active in the UI.
type ReadReceiptTracker struct {
	store   *chatstore.Store
	channel Transport
	logger  *log.Logger
}

func NewReadReceiptTracker(store *chatstore.Store, channel Transport) *ReadReceiptTracker {
	return &ReadReceiptTracker{
		store:   store,
		channel: channel,
		logger:  log.New("receipts"),
	}
}

// ConversationOpened marks every unread inbound, non-failed message read
// and emits one read receipt per message, then resets the conversation's
// unread count. Safe to run repeatedly: messages already read locally or
// via an inbound read confirmation are skipped.
func (t *ReadReceiptTracker) ConversationOpened(ctx context.Context, conversationID model.ConversationID) (int, error) {
	if t.channel.Status() != transport.StatusConnected {
		return 0, model.ErrorNotConnected
	}

	selfID := t.store.SelfID()
	acknowledged := 0
	for _, m := range t.store.UnreadInbound(conversationID) {
		if !t.store.MarkRead(m.ID, time.Now().UTC()) {
			continue
		}
		outcome, err := t.channel.Send(ctx, event.TypeMessageRead, event.MessageRead{
			MessageID:      string(m.ID),
			ConversationID: string(conversationID),
			UserID:         string(selfID),
		})
		if outcome != transport.SendDelivered {
			t.logger.Warnf("read receipt for %s: %v", m.ID, err)
			continue
		}
		acknowledged++
	}

	t.store.ResetUnread(conversationID)
	return acknowledged, nil
}
