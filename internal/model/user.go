package model

// User is the denormalized profile snapshot attached to a conversation so
// the UI can render the peer without a join.
type User struct {
	ID     UserID `json:"id" db:"ID"`
	Name   string `json:"name" db:"Name"`
	Email  string `json:"email" db:"Email"`
	Avatar string `json:"avatar" db:"Avatar"`
}

type UserID string
