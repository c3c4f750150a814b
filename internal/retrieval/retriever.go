package retrieval

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyQuery is returned by Query for a blank query string.
var ErrEmptyQuery = errors.New("empty query")

// Retriever combines embedding and vector search to find transcript passages.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Query embeds query and returns the topK most similar records in collection.
func (r *Retriever) Query(ctx context.Context, collection, query string, topK int, filter Filter) ([]ScoredRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if collection == "" {
		collection = DefaultCollection
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.store.Search(ctx, collection, vec, topK, filter)
}
