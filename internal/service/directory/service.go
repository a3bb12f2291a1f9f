package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.waggle/internal/chatstore"
	"uk.co.dudmesh.waggle/internal/model"
)

const historyPageSize = 50

// ConversationDTO is the REST shape of a conversation summary.
type ConversationDTO struct {
	ID          string      `json:"id"`
	OtherUser   model.User  `json:"otherUser"`
	LastMessage *MessageDTO `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// MessageDTO is the REST shape of a historical message.
type MessageDTO struct {
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

// service consumes the collaborator REST API for cold-start population of
// the store and user search. Live updates never flow through here.
type service struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

func New(baseURL, authToken string) *service {
	return &service{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   authToken,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.New("directory"),
	}
}

func (s *service) Conversations(ctx context.Context) ([]ConversationDTO, error) {
	out := []ConversationDTO{}
	if err := s.get(ctx, "/api/conversations", &out); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

func (s *service) History(ctx context.Context, otherUserID model.UserID, skip, take int) ([]MessageDTO, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?skip=%d&take=%d",
		url.PathEscape(string(otherUserID)), skip, take)
	out := []MessageDTO{}
	if err := s.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	return out, nil
}

func (s *service) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	out := []model.User{}
	if err := s.get(ctx, "/api/users/search?q="+url.QueryEscape(query), &out); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	return out, nil
}

// Hydrate seeds the store from the REST API: every conversation and its
// paged history. Messages already present are left alone, so hydrating an
// existing local store is safe.
func (s *service) Hydrate(ctx context.Context, store *chatstore.Store) error {
	conversations, err := s.Conversations(ctx)
	if err != nil {
		return err
	}

	for _, c := range conversations {
		store.EnsureConversation(c.OtherUser, c.CreatedAt)

		skip := 0
		for {
			page, err := s.History(ctx, c.OtherUser.ID, skip, historyPageSize)
			if err != nil {
				return err
			}
			for _, dto := range page {
				if _, err := store.PutMessage(messageFromDTO(dto)); err != nil {
					s.logger.Warnf("hydrating message %s: %v", dto.ID, err)
				}
			}
			if len(page) < historyPageSize {
				break
			}
			skip += len(page)
		}
	}

	return nil
}

func (s *service) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %d", path, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func messageFromDTO(dto MessageDTO) model.Message {
	return model.Message{
		ID:             model.MessageID(dto.ID),
		ConversationID: model.ConversationID(dto.ConversationID),
		SenderID:       model.UserID(dto.SenderID),
		ReceiverID:     model.UserID(dto.ReceiverID),
		Content:        dto.Content,
		Status:         model.ParseMessageStatus(dto.Status),
		Timestamp:      dto.Timestamp,
		CreatedAt:      dto.CreatedAt,
		IsRead:         dto.IsRead,
		ReadAt:         dto.ReadAt,
		EditedAt:       dto.EditedAt,
		DeletedAt:      dto.DeletedAt,
	}
}
