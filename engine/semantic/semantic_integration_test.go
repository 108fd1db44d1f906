//go:build integration

package semantic

import (
	"context"
	"os"
	"testing"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func TestQdrantRecordAndSearch(t *testing.T) {
	vs, err := New(qdrantAddr(), "ollama_demo_integration")
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() {
		vs.DeleteCollection(context.Background())
		vs.Close()
	})

	ctx := context.Background()
	if err := vs.Record(ctx, "Hello, world!", "test", []float32{0.1, 0.2, 0.3, 0.4}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	res, err := vs.Search(ctx, []float32{0.1, 0.2, 0.3, 0.4}, 1, "test")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 || res[0].Query != "Hello, world!" {
		t.Fatalf("unexpected results %+v", res)
	}
}
