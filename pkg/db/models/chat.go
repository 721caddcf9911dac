package models

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one immutable message in a user's chat session.
type ChatTurn struct {
	// ID is assigned by the store and only ever increases.
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `json:"created_at"`

	UserID     uint   `json:"user_id" gorm:"not null;index:idx_chat_turns_user_session,priority:1"`
	SessionKey string `json:"session" gorm:"not null;index:idx_chat_turns_user_session,priority:2"`

	// Role is RoleUser or RoleAssistant.
	Role    string `json:"role" gorm:"not null"`
	Content string `json:"content" gorm:"type:text;not null"`
}
