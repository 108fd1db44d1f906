package semantic

import "time"

// SearchResult is a single vector search hit.
type SearchResult struct {
	ID        string    `json:"id"`
	Score     float32   `json:"score"`
	Query     string    `json:"query"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorRecord is a single vector to store in Qdrant.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any // query, model, created_at
}
