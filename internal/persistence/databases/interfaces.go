package databases

import "context"

// SearchResult represents a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable FTS backend.
// It backs the lexical leg of the hybrid retriever.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
// It backs the kNN leg of the hybrid retriever.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Dimension() int
}

// Manager holds the concrete database backends resolved from configuration.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
}

// Close attempts to close any underlying pools; no-op for memory backends.
func (m Manager) Close() {
	if c, ok := m.Search.(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := m.Vector.(interface{ Close() }); ok {
		c.Close()
	}
}
