package model

import "time"

type ConversationID string

// ConversationIDFor derives the conversation id from the two participant
// ids, smaller id first, so both peers agree on it without server
// coordination.
func ConversationIDFor(a, b UserID) ConversationID {
	if b < a {
		a, b = b, a
	}
	return ConversationID(string(a) + ":" + string(b))
}

type Conversation struct {
	ID          ConversationID
	OtherUser   User
	LastMessage *Message
	UnreadCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
