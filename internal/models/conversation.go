package models

import "time"

// DefaultTitle is the title every conversation starts with until its first
// message arrives.
const DefaultTitle = "New Conversation"

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c Conversation) DocID() string { return c.ID }

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	IsFromUser     bool      `json:"isFromUser"`
	Timestamp      time.Time `json:"timestamp"`
	ModelName      *string   `json:"modelName,omitempty"` // set on generated replies only
}

func (m Message) DocID() string { return m.ID }

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u User) DocID() string { return u.ID }
