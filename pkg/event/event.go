package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies a wire-level event on the chat channel.
type Type string

const (
	TypeNewMessage         Type = "NEW_MESSAGE"
	TypeMessageSent        Type = "MESSAGE_SENT"
	TypeMessageRead        Type = "MESSAGE_READ"
	TypeMessageReadUpdate  Type = "MESSAGE_READ_UPDATE"
	TypeEditMessage        Type = "EDIT_MESSAGE"
	TypeMessageEdited      Type = "MESSAGE_EDITED"
	TypeDeleteMessage      Type = "DELETE_MESSAGE"
	TypeMessageDeleted     Type = "MESSAGE_DELETED"
	TypeTypingStart        Type = "TYPING_START"
	TypeTypingStop         Type = "TYPING_STOP"
	TypeUserPresenceUpdate Type = "USER_PRESENCE_UPDATE"
	TypePing               Type = "PING"
	TypeError              Type = "ERROR"
	TypeForceDisconnect    Type = "FORCE_DISCONNECT"
)

var ErrorInvalidEnvelope = errors.New("invalid event envelope")

// Envelope is the frame every event travels in, both directions.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func New(t Type, payload interface{}) (*Envelope, error) {
	e := &Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload: %w", err)
		}
		e.Payload = data
	}
	return e, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshalling envelope: %w", err)
	}
	if e.Type == "" {
		return nil, ErrorInvalidEnvelope
	}
	return e, nil
}

func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return ErrorInvalidEnvelope
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshalling %s payload: %w", e.Type, err)
	}
	return nil
}

// IdempotencyKey extracts the client-assigned key for event types that
// carry one. Events without a key return "" and always pass the
// deduplicator.
func (e *Envelope) IdempotencyKey() string {
	switch e.Type {
	case TypeNewMessage, TypeMessageSent:
		var p struct {
			TempID string `json:"tempId"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return ""
		}
		return p.TempID
	}
	return ""
}

type NewMessage struct {
	TempID         string    `json:"tempId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"` // set by the server on broadcast
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversationId"`
	SenderName     string    `json:"senderName,omitempty"`
	SenderEmail    string    `json:"senderEmail,omitempty"`
	SenderAvatar   string    `json:"senderAvatar,omitempty"`
}

type MessageSent struct {
	TempID    string    `json:"tempId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageRead struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MessageReadUpdate struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

type EditMessage struct {
	MessageID  string    `json:"messageId"`
	NewContent string    `json:"newContent"`
	EditedAt   time.Time `json:"editedAt"`
}

type DeleteMessage struct {
	MessageID string    `json:"messageId"`
	DeletedAt time.Time `json:"deletedAt"`
}

type Typing struct {
	ReceiverID string `json:"receiverId,omitempty"` // outgoing
	UserID     string `json:"userId,omitempty"`     // inbound
}

type UserPresenceUpdate struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ForceDisconnect struct {
	Reason string `json:"reason"`
}
