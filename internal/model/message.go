package model

import "time"

type MessageID string

type MessageStatus int

const (
	MessageStatusSending MessageStatus = iota
	MessageStatusSent
	MessageStatusDelivered
	MessageStatusRead
	MessageStatusFailed
	MessageStatusDeleted
)

// CanAdvanceTo reports whether a status transition is allowed. Transitions
// only move forward: sending -> {sent|failed}, sent -> delivered -> read,
// and any non-terminal status -> deleted. Failed is terminal.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	switch next {
	case MessageStatusSent:
		return s == MessageStatusSending
	case MessageStatusDelivered:
		return s == MessageStatusSending || s == MessageStatusSent
	case MessageStatusRead:
		return s == MessageStatusSending || s == MessageStatusSent || s == MessageStatusDelivered
	case MessageStatusFailed:
		return s == MessageStatusSending
	case MessageStatusDeleted:
		return s != MessageStatusFailed && s != MessageStatusDeleted
	}
	return false
}

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusSending:
		return "sending"
	case MessageStatusSent:
		return "sent"
	case MessageStatusDelivered:
		return "delivered"
	case MessageStatusRead:
		return "read"
	case MessageStatusFailed:
		return "failed"
	case MessageStatusDeleted:
		return "deleted"
	}
	return "unknown"
}

func ParseMessageStatus(s string) MessageStatus {
	switch s {
	case "sent":
		return MessageStatusSent
	case "delivered":
		return MessageStatusDelivered
	case "read":
		return MessageStatusRead
	case "failed":
		return MessageStatusFailed
	case "deleted":
		return MessageStatusDeleted
	}
	return MessageStatusSending
}

type Message struct {
	ID             MessageID      `db:"ID"`
	ConversationID ConversationID `db:"ConversationID"`
	SenderID       UserID         `db:"SenderID"`
	ReceiverID     UserID         `db:"ReceiverID"`
	Content        string         `db:"Content"`
	Status         MessageStatus  `db:"Status"`
	Timestamp      time.Time      `db:"Timestamp"` // intended send time
	CreatedAt      time.Time      `db:"CreatedAt"` // server receipt time
	IsRead         bool           `db:"IsRead"`
	ReadAt         *time.Time     `db:"ReadAt"`
	EditedAt       *time.Time     `db:"EditedAt"`
	DeletedAt      *time.Time     `db:"DeletedAt"`
}
