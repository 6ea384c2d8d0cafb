package vectorstore

import (
	"math"
	"sort"
	"sync"
)

// LocalIndex is a brute-force cosine-similarity index held in process. It is
// the default searcher when no Qdrant instance is configured; adequate for
// graphs the size the engine keeps after pruning.
type LocalIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewLocalIndex creates an empty index.
func NewLocalIndex() *LocalIndex {
	return &LocalIndex{vectors: make(map[string][]float32)}
}

// Upsert stores or replaces the vector for id.
func (x *LocalIndex) Upsert(id string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	v := make([]float32, len(vector))
	copy(v, vector)

	x.mu.Lock()
	x.vectors[id] = v
	x.mu.Unlock()
}

// Delete removes the given identities.
func (x *LocalIndex) Delete(ids []string) {
	x.mu.Lock()
	for _, id := range ids {
		delete(x.vectors, id)
	}
	x.mu.Unlock()
}

// Len reports the number of indexed vectors.
func (x *LocalIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Search returns the topK entries ranked by cosine similarity to query,
// ties broken by identity for determinism.
func (x *LocalIndex) Search(query []float32, topK int) []*SearchResult {
	x.mu.RLock()
	results := make([]*SearchResult, 0, len(x.vectors))
	for id, v := range x.vectors {
		results = append(results, &SearchResult{ID: id, Score: cosine(query, v)})
	}
	x.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// cosine computes cosine similarity; mismatched or zero-length vectors
// score zero.
func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
