package vectorstore

import (
	"context"

	"github.com/nidhogg/engram/internal/memory"
)

// QdrantSearcher adapts Client to the engine's Searcher contract, binding it
// to a single collection.
type QdrantSearcher struct {
	client     *Client
	collection string
}

// NewQdrantSearcher wraps a connected client. The collection must already
// exist; use Client.EnsureCollection during startup.
func NewQdrantSearcher(client *Client, collection string) *QdrantSearcher {
	return &QdrantSearcher{client: client, collection: collection}
}

func (s *QdrantSearcher) Index(ctx context.Context, node *memory.MemoryNode) error {
	payload := map[string]string{"content": node.Content}
	return s.client.Upsert(ctx, s.collection, node.ID, node.Embedding, payload)
}

func (s *QdrantSearcher) Remove(ctx context.Context, ids []string) error {
	return s.client.Delete(ctx, s.collection, ids)
}

func (s *QdrantSearcher) Search(ctx context.Context, vector []float32, k int) ([]memory.Hit, error) {
	results, err := s.client.Search(ctx, s.collection, vector, uint64(k))
	if err != nil {
		return nil, err
	}
	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.Hit{ID: r.ID, Score: r.Score})
	}
	return hits, nil
}

// LocalSearcher adapts LocalIndex to the engine's Searcher contract.
type LocalSearcher struct {
	index *LocalIndex
}

// NewLocalSearcher wraps an in-process index.
func NewLocalSearcher(index *LocalIndex) *LocalSearcher {
	return &LocalSearcher{index: index}
}

func (s *LocalSearcher) Index(_ context.Context, node *memory.MemoryNode) error {
	s.index.Upsert(node.ID, node.Embedding)
	return nil
}

func (s *LocalSearcher) Remove(_ context.Context, ids []string) error {
	s.index.Delete(ids)
	return nil
}

func (s *LocalSearcher) Search(_ context.Context, vector []float32, k int) ([]memory.Hit, error) {
	results := s.index.Search(vector, k)
	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.Hit{ID: r.ID, Score: r.Score})
	}
	return hits, nil
}
