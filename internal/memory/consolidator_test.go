package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/telemetry"
)

// memBackend is an in-memory Backend recording every snapshot. fail rejects
// every save; failSaves rejects only the next failSaves of them.
type memBackend struct {
	mu        sync.Mutex
	saves     int
	nodes     []*MemoryNode
	edges     []*MemoryEdge
	fail      error
	failSaves int
}

func (b *memBackend) Load(context.Context) ([]*MemoryNode, []*MemoryEdge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes, b.edges, nil
}

func (b *memBackend) Save(_ context.Context, nodes []*MemoryNode, edges []*MemoryEdge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	if b.failSaves > 0 {
		b.failSaves--
		return fmt.Errorf("save snapshot: %w", ErrStoreUnavailable)
	}
	b.saves++
	b.nodes, b.edges = nodes, edges
	return nil
}

func (b *memBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// fakeSearcher records index maintenance calls.
type fakeSearcher struct {
	mu      sync.Mutex
	indexed map[string][]float32
	removed []string
	hits    []Hit
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{indexed: make(map[string][]float32)}
}

func (f *fakeSearcher) Index(_ context.Context, n *MemoryNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[n.ID] = n.Embedding
	return nil
}

func (f *fakeSearcher) Remove(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeSearcher) Search(context.Context, []float32, int) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits, nil
}

// flakyLTM wraps a real store and fails the first failures merges.
type flakyLTM struct {
	*LongTermStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLTM) Merge(nodes []*MemoryNode, edges []*MemoryEdge) (*MergeResult, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("merge: %w", ErrStoreUnavailable)
	}
	return f.LongTermStore.Merge(nodes, edges)
}

func testSettings() Settings {
	return Settings{
		STMCapacity:           8,
		InitialWeight:         1.0,
		DecayFactor:           0.5,
		ReinforcementGain:     0.3,
		AccessGain:            0.1,
		WeightCap:             5.0,
		Epsilon:               0.01,
		ConsolidationInterval: time.Hour,
		PruneInterval:         time.Hour,
	}
}

func newEngine(t *testing.T, s Settings, backend Backend, searcher Searcher) (*Consolidator, *ShortTermStore, *LongTermStore) {
	t.Helper()
	logger := zap.NewNop()
	stm := NewShortTermStore(s.STMCapacity, s.InitialWeight, logger)
	ltm := NewLongTermStore(s, logger)
	return NewConsolidator(stm, ltm, backend, searcher, telemetry.Nop{}, s, logger), stm, ltm
}

func TestCycleMovesEverythingToLongTerm(t *testing.T) {
	backend := &memBackend{}
	searcher := newFakeSearcher()
	c, stm, ltm := newEngine(t, testSettings(), backend, searcher)

	a, _ := stm.Put(&MemoryNode{Content: "a", Embedding: []float32{1, 0}}, nil)
	b, _ := stm.Put(&MemoryNode{Content: "b"}, []*MemoryEdge{{Target: a}})

	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if stm.Len() != 0 {
		t.Errorf("short-term not drained: %d nodes", stm.Len())
	}
	if ltm.Len() != 2 || ltm.EdgeCount() != 1 {
		t.Fatalf("got %d nodes, %d edges in long-term, want 2, 1", ltm.Len(), ltm.EdgeCount())
	}
	for _, id := range []string{a, b} {
		n, err := ltm.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if n.RecencyWeight != 1.0 {
			t.Errorf("%s: got weight %v, want initial 1.0", id, n.RecencyWeight)
		}
	}

	if backend.saveCount() != 1 {
		t.Errorf("got %d snapshot saves, want 1", backend.saveCount())
	}
	// Only the node that carried a vector reaches the index.
	if _, ok := searcher.indexed[a]; !ok {
		t.Errorf("node with embedding not indexed")
	}
	if _, ok := searcher.indexed[b]; ok {
		t.Errorf("vectorless node indexed")
	}
	if c.State() != StateIdle {
		t.Errorf("got state %v after cycle, want idle", c.State())
	}
}

func TestCycleExemptsJustMergedFromDecay(t *testing.T) {
	c, stm, ltm := newEngine(t, testSettings(), nil, nil)

	// Resident entry from an earlier cycle.
	stm.Put(&MemoryNode{ID: "old", Content: "old"}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	stm.Put(&MemoryNode{ID: "fresh", Content: "fresh"}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	fresh, _ := ltm.Get("fresh")
	if fresh.RecencyWeight != 1.0 {
		t.Errorf("just-merged node decayed: got %v, want 1.0", fresh.RecencyWeight)
	}
	old, _ := ltm.Get("old")
	if old.RecencyWeight != 0.5 {
		t.Errorf("resident node: got %v, want 0.5", old.RecencyWeight)
	}
}

func TestCycleExemptsAccessedSinceLastCycle(t *testing.T) {
	c, stm, ltm := newEngine(t, testSettings(), nil, nil)

	stm.Put(&MemoryNode{ID: "hot", Content: "hot"}, nil)
	stm.Put(&MemoryNode{ID: "cold", Content: "cold"}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	before, err := ltm.Reinforce("hot", 0.1)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}

	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	hot, _ := ltm.Get("hot")
	if hot.RecencyWeight != before.RecencyWeight {
		t.Errorf("accessed node decayed: got %v, want %v", hot.RecencyWeight, before.RecencyWeight)
	}
	cold, _ := ltm.Get("cold")
	if cold.RecencyWeight != 0.5 {
		t.Errorf("idle node: got %v, want 0.5", cold.RecencyWeight)
	}
}

func TestCycleDecayThenPrune(t *testing.T) {
	s := testSettings()
	s.Epsilon = 0.3
	s.PruneInterval = time.Nanosecond // prune every cycle
	searcher := newFakeSearcher()
	c, stm, ltm := newEngine(t, s, nil, searcher)

	stm.Put(&MemoryNode{ID: "fading", Content: "fading", Embedding: []float32{1}}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}

	// Two idle cycles: 1.0 -> 0.5 -> 0.25, which falls under the 0.3 floor.
	time.Sleep(2 * time.Millisecond)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	n, err := ltm.Get("fading")
	if err != nil {
		t.Fatalf("node pruned too early: %v", err)
	}
	if n.RecencyWeight != 0.5 {
		t.Fatalf("after one idle cycle: got %v, want 0.5", n.RecencyWeight)
	}

	time.Sleep(2 * time.Millisecond)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if _, err := ltm.Get("fading"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after prune", err)
	}
	searcher.mu.Lock()
	removed := append([]string(nil), searcher.removed...)
	searcher.mu.Unlock()
	if len(removed) != 1 || removed[0] != "fading" {
		t.Errorf("index removal: got %v, want [fading]", removed)
	}
}

func TestCycleRetriesUnmergedRemainder(t *testing.T) {
	s := testSettings()
	logger := zap.NewNop()
	stm := NewShortTermStore(s.STMCapacity, s.InitialWeight, logger)
	flaky := &flakyLTM{LongTermStore: NewLongTermStore(s, logger), failures: 1}
	c := NewConsolidator(stm, flaky, nil, nil, telemetry.Nop{}, s, logger)

	stm.Put(&MemoryNode{ID: "a", Content: "a"}, nil)
	stm.Put(&MemoryNode{ID: "b", Content: "b"}, nil)

	err := c.RunCycle(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if stm.Len() != 0 {
		t.Fatalf("drained content put back into short-term")
	}
	if flaky.Len() != 0 {
		t.Fatalf("failed merge left %d nodes", flaky.Len())
	}

	// The remainder rides along with the next cycle.
	stm.Put(&MemoryNode{ID: "c", Content: "c"}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if flaky.Len() != 3 {
		t.Fatalf("got %d nodes after retry, want 3", flaky.Len())
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := flaky.Get(id); err != nil {
			t.Errorf("lost %s across the failed merge: %v", id, err)
		}
	}
}

func TestTransientSaveFailureDecaysOnce(t *testing.T) {
	backend := &memBackend{}
	c, stm, ltm := newEngine(t, testSettings(), backend, nil)

	stm.Put(&MemoryNode{ID: "a", Content: "a"}, nil)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	backend.mu.Lock()
	backend.failSaves = 1
	backend.mu.Unlock()

	// The cycle's sweeps land, only the snapshot save fails. The backoff
	// retry must repeat the save alone, not decay the graph again.
	c.runWithRetry(context.Background())

	n, err := ltm.Get("a")
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if n.RecencyWeight != 0.5 {
		t.Fatalf("got weight %v, want 0.5 from a single decay sweep", n.RecencyWeight)
	}
	if got := backend.saveCount(); got != 2 {
		t.Errorf("got %d saves, want 2", got)
	}
	if c.persistPending() {
		t.Error("snapshot still marked unsaved after successful retry")
	}
}

func TestCycleHonorsCancellationOnlyBeforeDrain(t *testing.T) {
	c, stm, ltm := newEngine(t, testSettings(), nil, nil)
	stm.Put(&MemoryNode{ID: "a", Content: "a"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if stm.Len() != 1 {
		t.Errorf("canceled cycle drained the store")
	}
	if ltm.Len() != 0 {
		t.Errorf("canceled cycle merged content")
	}
}

func TestSchedulerRunsTriggeredCycles(t *testing.T) {
	s := testSettings()
	c, stm, ltm := newEngine(t, s, nil, nil)

	stm.Put(&MemoryNode{ID: "a", Content: "a"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// Triggers are coalesced; flooding them must neither block nor panic.
	for i := 0; i < 100; i++ {
		c.Trigger()
	}

	deadline := time.After(2 * time.Second)
	for ltm.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered cycle never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	c.Stop()

	if _, err := ltm.Get("a"); err != nil {
		t.Errorf("triggered cycle lost the node: %v", err)
	}
}

func TestRunCycleIsSingleFlight(t *testing.T) {
	s := testSettings()
	c, stm, _ := newEngine(t, s, nil, nil)

	const concurrent = 8
	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stm.Put(&MemoryNode{Content: "x"}, nil)
			if err := c.RunCycle(context.Background()); err != nil {
				t.Errorf("cycle %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if c.State() != StateIdle {
		t.Errorf("got state %v, want idle", c.State())
	}
}
