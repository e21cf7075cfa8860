package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation (or one of its messages) does
// not exist or is not owned by the requesting user.
var ErrNotFound = errors.New("not found")

// Conversation kinds. Medical consultations and friend-chat ("tâm sự")
// conversations live in separate namespaces.
const (
	KindChat   = "chat"
	KindSocial = "social"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID         string    `json:"id"` // UUID
	UserID     string    `json:"user_id"`
	Kind       string    `json:"-"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // system | user | assistant
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// KnowledgeChunk is one retrievable passage of the medical knowledge base
// together with its embedding vector.
type KnowledgeChunk struct {
	ID            int64     `json:"id"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"`
	EmbeddingJSON string    `json:"-"` // persisted form
}
