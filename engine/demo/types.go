package demo

import (
	"context"

	"github.com/WessleyAI/ollama-demo/pkg/ollama"
)

const (
	// DefaultQuery is used when a request carries no q.
	DefaultQuery = "Hello, world!"
	// DefaultChatModel is the chat model pulled and queried by default.
	DefaultChatModel = "llama3.2:3b"
	// DefaultEmbedModel produces 768-dimensional embeddings.
	DefaultEmbedModel = "nomic-embed-text"
)

// Request is the inbound invocation payload.
type Request struct {
	Q *string `json:"q,omitempty"`
}

// NewRequest returns a request for q.
func NewRequest(q string) Request { return Request{Q: &q} }

// Query returns q, or DefaultQuery when the request omitted it.
func (r Request) Query() string {
	if r.Q == nil {
		return DefaultQuery
	}
	return *r.Q
}

// Response echoes the query alongside the model's reply.
type Response struct {
	Q          string `json:"q"`
	AIResponse string `json:"ai_response"`
}

// Result is everything one run produced.
type Result struct {
	Response
	Model      string    `json:"model"`
	Embedding  []float32 `json:"embedding,omitempty"`
	EmbedModel string    `json:"embed_model,omitempty"`
	Pulled     []string  `json:"pulled,omitempty"`
}

// Server is a model server that can be started, used and stopped once.
type Server interface {
	Run(ctx context.Context, fn func(context.Context) error) error
}

// Chatter issues chat completions.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) (*ollama.ChatResponse, error)
}

// Embedder computes the embedding of a query.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Recorder persists a query embedding.
type Recorder interface {
	Record(ctx context.Context, query, model string, embedding []float32) error
}
