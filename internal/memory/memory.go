package memory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/telemetry"
)

// Memory is the front door of the engine: it owns both stores, the
// consolidator and the retrieval router, and exposes the write/read surface
// the API layer consumes.
type Memory struct {
	settings Settings
	stm      *ShortTermStore
	ltm      *LongTermStore
	engine   *Consolidator
	router   *RetrievalRouter
	backend  Backend
	searcher Searcher
	logger   *zap.Logger

	cancel context.CancelFunc
}

// New builds a fully wired Memory. backend, searcher and sink are optional
// collaborators; nil disables persistence, similarity search and telemetry
// respectively.
func New(settings Settings, backend Backend, searcher Searcher, sink telemetry.Sink, logger *zap.Logger) *Memory {
	settings = settings.Normalize()
	if sink == nil {
		sink = telemetry.Nop{}
	}
	stm := NewShortTermStore(settings.STMCapacity, settings.InitialWeight, logger)
	ltm := NewLongTermStore(settings, logger)
	engine := NewConsolidator(stm, ltm, backend, searcher, sink, settings, logger)
	router := NewRetrievalRouter(stm, ltm, searcher, settings.AccessGain, sink, logger)
	return &Memory{
		settings: settings,
		stm:      stm,
		ltm:      ltm,
		engine:   engine,
		router:   router,
		backend:  backend,
		searcher: searcher,
		logger:   logger,
	}
}

// Restore loads the long-term snapshot from the persistence backend. The
// short-term store is volatile and always starts empty.
func (m *Memory) Restore(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}
	nodes, edges, err := m.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load long-term snapshot: %w", err)
	}
	if err := m.ltm.Restore(nodes, edges); err != nil {
		return err
	}
	if m.searcher != nil {
		for _, n := range nodes {
			if len(n.Embedding) == 0 {
				continue
			}
			if err := m.searcher.Index(ctx, n); err != nil {
				m.logger.Warn("failed to reindex restored node", zap.String("id", n.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// Start launches the background consolidation scheduler.
func (m *Memory) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.engine.Start(ctx)
}

// Stop shuts the scheduler down, letting an in-flight cycle finish.
func (m *Memory) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.engine.Stop()
}

// Add writes a new memory into the short-term store. When the store is at
// capacity the call synchronously forces a consolidation cycle and retries,
// so capacity pressure shows up as write latency, not write failure.
func (m *Memory) Add(ctx context.Context, node *MemoryNode, related []*MemoryEdge) (string, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		id, err = m.stm.Put(node, related)
		if err == nil {
			m.indexNew(ctx, id)
			return id, nil
		}
		if !errors.Is(err, ErrCapacityExceeded) {
			return "", err
		}
		if cerr := m.engine.RunCycle(ctx); cerr != nil {
			return "", fmt.Errorf("forced consolidation: %w", cerr)
		}
	}
	return "", err
}

// indexNew makes a fresh short-term node discoverable by similarity search.
func (m *Memory) indexNew(ctx context.Context, id string) {
	if m.searcher == nil {
		return
	}
	n, err := m.stm.Get(id)
	if err != nil || len(n.Embedding) == 0 {
		return
	}
	if err := m.searcher.Index(ctx, n); err != nil {
		m.logger.Warn("failed to index new node", zap.String("id", id), zap.Error(err))
	}
}

// Get reads through the router: short-term first, then long-term.
func (m *Memory) Get(id string) (*MemoryNode, error) {
	return m.router.Query(id)
}

// Neighbors returns the long-term edges incident to id, strongest first.
func (m *Memory) Neighbors(id string) ([]*MemoryEdge, error) {
	return m.ltm.Neighbors(id)
}

// Search resolves the k most similar memories across both tiers.
func (m *Memory) Search(ctx context.Context, embedding []float32, k int) ([]ScoredNode, error) {
	return m.router.QuerySimilar(ctx, embedding, k)
}

// Consolidate runs one cycle synchronously.
func (m *Memory) Consolidate(ctx context.Context) error {
	return m.engine.RunCycle(ctx)
}

// Trigger requests an asynchronous cycle, coalesced with any in flight.
func (m *Memory) Trigger() {
	m.engine.Trigger()
}

// StoreStats is a point-in-time view of both tiers.
type StoreStats struct {
	STMNodes    int    `json:"stm_nodes"`
	STMCapacity int    `json:"stm_capacity"`
	LTMNodes    int    `json:"ltm_nodes"`
	LTMEdges    int    `json:"ltm_edges"`
	CycleState  string `json:"cycle_state"`
}

// Stats reports store sizes and the consolidator state.
func (m *Memory) Stats() StoreStats {
	return StoreStats{
		STMNodes:    m.stm.Len(),
		STMCapacity: m.stm.Capacity(),
		LTMNodes:    m.ltm.Len(),
		LTMEdges:    m.ltm.EdgeCount(),
		CycleState:  m.engine.State().String(),
	}
}
