package model

import "time"

// Presence is the last-write-wins online state for a peer user.
type Presence struct {
	UserID   UserID     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
