package memory

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/telemetry"
)

func newRouterFixture(t *testing.T, searcher Searcher) (*RetrievalRouter, *ShortTermStore, *LongTermStore) {
	t.Helper()
	logger := zap.NewNop()
	s := DefaultSettings()
	stm := NewShortTermStore(s.STMCapacity, s.InitialWeight, logger)
	ltm := NewLongTermStore(s, logger)
	return NewRetrievalRouter(stm, ltm, searcher, s.AccessGain, telemetry.Nop{}, logger), stm, ltm
}

func TestQueryHitsShortTermFirst(t *testing.T) {
	r, stm, ltm := newRouterFixture(t, nil)

	// Same identity in both tiers; the short-term copy wins.
	stm.Put(&MemoryNode{ID: "dup", Content: "short"}, nil)
	ltm.Merge([]*MemoryNode{{ID: "dup", Content: "long"}}, nil)

	n, err := r.Query("dup")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n.Content != "short" {
		t.Errorf("got content %q, want the short-term copy", n.Content)
	}
	got, _ := stm.Get("dup")
	if got.AccessCount != 1 {
		t.Errorf("hit not touched: access count %d, want 1", got.AccessCount)
	}
	// The long-term copy was not reinforced by the short-term hit.
	l, _ := ltm.Get("dup")
	if l.AccessCount != 0 {
		t.Errorf("long-term copy touched on a short-term hit")
	}
}

func TestQueryReinforcesLongTermHit(t *testing.T) {
	r, _, ltm := newRouterFixture(t, nil)
	ltm.Merge([]*MemoryNode{{ID: "a", Content: "a"}}, nil)

	n, err := r.Query("a")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n.RecencyWeight <= 1.0 {
		t.Errorf("long-term hit not reinforced: weight %v", n.RecencyWeight)
	}
	if n.AccessCount != 1 {
		t.Errorf("got access count %d, want 1", n.AccessCount)
	}
}

func TestQueryMiss(t *testing.T) {
	r, _, _ := newRouterFixture(t, nil)
	if _, err := r.Query("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestQuerySimilarWithoutSearcher(t *testing.T) {
	r, _, _ := newRouterFixture(t, nil)
	_, err := r.QuerySimilar(context.Background(), []float32{1}, 5)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestQuerySimilarResolvesAcrossTiers(t *testing.T) {
	searcher := newFakeSearcher()
	r, stm, ltm := newRouterFixture(t, searcher)

	stm.Put(&MemoryNode{ID: "s1", Content: "short"}, nil)
	ltm.Merge([]*MemoryNode{{ID: "l1", Content: "long"}}, nil)

	searcher.hits = []Hit{
		{ID: "s1", Score: 0.9},
		{ID: "l1", Score: 0.8},
		{ID: "stale", Score: 0.7}, // in the index but in neither store
		{ID: "s1", Score: 0.6},    // duplicate identity
	}

	out, err := r.QuerySimilar(context.Background(), []float32{1}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Node.ID != "s1" || out[1].Node.ID != "l1" {
		t.Errorf("got order %q, %q, want s1, l1", out[0].Node.ID, out[1].Node.ID)
	}
	if out[0].Score != 0.9 {
		t.Errorf("duplicate kept the lower score: %v", out[0].Score)
	}
	// A vector hit counts as an access.
	l, _ := ltm.Get("l1")
	if l.AccessCount != 1 {
		t.Errorf("long-term vector hit not reinforced")
	}
}

func TestQuerySimilarPrefersShortTermCopy(t *testing.T) {
	searcher := newFakeSearcher()
	r, stm, ltm := newRouterFixture(t, searcher)

	stm.Put(&MemoryNode{ID: "dup", Content: "short"}, nil)
	ltm.Merge([]*MemoryNode{{ID: "dup", Content: "long"}}, nil)
	searcher.hits = []Hit{{ID: "dup", Score: 1.0}}

	out, err := r.QuerySimilar(context.Background(), []float32{1}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out[0].Node.Content != "short" {
		t.Errorf("got %q, want the short-term copy", out[0].Node.Content)
	}
}

func TestQuerySimilarTrimsToK(t *testing.T) {
	searcher := newFakeSearcher()
	r, _, ltm := newRouterFixture(t, searcher)

	for _, id := range []string{"a", "b", "c"} {
		ltm.Merge([]*MemoryNode{{ID: id, Content: id}}, nil)
	}
	searcher.hits = []Hit{{ID: "a", Score: 0.3}, {ID: "b", Score: 0.9}, {ID: "c", Score: 0.5}}

	out, err := r.QuerySimilar(context.Background(), []float32{1}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Node.ID != "b" || out[1].Node.ID != "c" {
		t.Errorf("got %q, %q, want the two strongest b, c", out[0].Node.ID, out[1].Node.ID)
	}
}
