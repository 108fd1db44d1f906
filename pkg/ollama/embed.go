package ollama

import "context"

// EmbedClient computes query embeddings with a fixed model.
type EmbedClient struct {
	client *Client
	model  string
}

// NewEmbedClient creates an embedding client for model on the server at baseURL.
func NewEmbedClient(baseURL, model string) *EmbedClient {
	return &EmbedClient{client: NewClient(baseURL), model: model}
}

// Model returns the embedding model name.
func (e *EmbedClient) Model() string { return e.model }

// EmbedQuery returns the embedding of a single query string.
func (e *EmbedClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, e.model, text)
}
