// Package domain contains core concepts of the engine.
// This file defines Message entities.
// Messages are immutable once created.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an immutable chat event. Author is a borrowed
// reference; the engine owns the User.
type Message struct {
	ID        uuid.UUID
	Author    *User
	Content   string
	CreatedAt time.Time
}

func NewMessage(author *User, content string) Message {
	return Message{
		ID:        uuid.New(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
