package ollama

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	lcollama "github.com/tmc/langchaingo/llms/ollama"
)

// LangchainEmbedder computes query embeddings through langchaingo's Ollama
// integration instead of Client.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
	model    string
}

// NewLangchainEmbedder creates an embedder for model on the server at baseURL.
func NewLangchainEmbedder(baseURL, model string) (*LangchainEmbedder, error) {
	llm, err := lcollama.New(
		lcollama.WithServerURL(baseURL),
		lcollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama: langchain client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("ollama: langchain embedder: %w", err)
	}
	return &LangchainEmbedder{embedder: e, model: model}, nil
}

// Model returns the embedding model name.
func (l *LangchainEmbedder) Model() string { return l.model }

// EmbedQuery returns the embedding of a single query string.
func (l *LangchainEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := l.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return vec, nil
}
