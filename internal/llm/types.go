package llm

import (
	"context"
	"encoding/json"
)

// Message is one chat turn on the wire.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// CompletionRequest is the parameter set every generation backend accepts.
type CompletionRequest struct {
	Messages    []Message
	Tier        string // flash | pro
	Temperature float64
	MaxTokens   int
}

// Completion is the normalized result of a generation call, whichever wire
// shape produced it.
type Completion struct {
	ID      string
	Content string
	// RAG provenance reported by a remote backend, passed through untouched.
	RAG json.RawMessage
}

// Generator produces a completion from a message list. Implemented by the
// local engine and, per-endpoint, by the remote client.
type Generator interface {
	Generate(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
