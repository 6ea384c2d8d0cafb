package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/telemetry"
)

// CycleState names the consolidator's position in its cycle.
type CycleState int32

const (
	StateIdle CycleState = iota
	StateDraining
	StateMerging
	StateDecaying
	StatePruning
)

func (s CycleState) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateMerging:
		return "merging"
	case StateDecaying:
		return "decaying"
	case StatePruning:
		return "pruning"
	default:
		return "idle"
	}
}

// Backend is the durable storage collaborator for the long-term store. The
// engine treats it as a crash-consistent source of truth between restarts.
// Implementations wrap transient failures with ErrStoreUnavailable.
type Backend interface {
	Load(ctx context.Context) ([]*MemoryNode, []*MemoryEdge, error)
	Save(ctx context.Context, nodes []*MemoryNode, edges []*MemoryEdge) error
}

// Hit is a single similarity-search result.
type Hit struct {
	ID    string
	Score float32
}

// Searcher is the externally provided similarity-search capability. The
// engine never computes similarity itself; it only indexes vectors it was
// handed and consumes ranked results.
type Searcher interface {
	Index(ctx context.Context, node *MemoryNode) error
	Remove(ctx context.Context, ids []string) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// LongTerm is the slice of long-term store behavior the consolidator
// drives. *LongTermStore satisfies it; tests substitute failing fakes.
type LongTerm interface {
	Merge(nodes []*MemoryNode, edges []*MemoryEdge) (*MergeResult, error)
	Decay(factor float64, cutoff time.Time) int
	Prune(minWeight float64, minRetain, maxNodes int) ([]string, int)
	Len() int
	Snapshot() ([]*MemoryNode, []*MemoryEdge)
}

// Consolidator migrates short-term content into the long-term store,
// applying reinforcement, decay and pruning along the way. It is the sole
// writer of cross-store transitions and is single-flight: one cycle at a
// time, with triggers arriving mid-cycle coalesced into a single re-run.
type Consolidator struct {
	stm      *ShortTermStore
	ltm      LongTerm
	backend  Backend
	searcher Searcher
	sink     telemetry.Sink
	settings Settings
	logger   *zap.Logger

	runMu sync.Mutex // serializes cycles
	state atomic.Int32

	// remainder of a partially failed merge, retried next cycle
	pendingMu    sync.Mutex
	pendingNodes []*MemoryNode
	pendingEdges []*MemoryEdge

	// cycle bookkeeping, written only under runMu
	lastCycle   time.Time
	lastPrune   time.Time
	pendingSave bool // graph state changed but the last Save did not land

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewConsolidator wires the engine. backend and searcher may be nil; the
// engine then runs memory-only and skips index maintenance.
func NewConsolidator(stm *ShortTermStore, ltm LongTerm, backend Backend, searcher Searcher, sink telemetry.Sink, settings Settings, logger *zap.Logger) *Consolidator {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Consolidator{
		stm:       stm,
		ltm:       ltm,
		backend:   backend,
		searcher:  searcher,
		sink:      sink,
		settings:  settings.Normalize(),
		logger:    logger,
		lastPrune: time.Now(),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// State reports the current cycle state.
func (c *Consolidator) State() CycleState {
	return CycleState(c.state.Load())
}

func (c *Consolidator) setState(s CycleState) {
	c.state.Store(int32(s))
}

// Trigger requests a cycle without blocking. A trigger arriving while a
// cycle runs is coalesced into one follow-up run, never queued unboundedly.
func (c *Consolidator) Trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RunCycle executes one consolidation cycle synchronously, blocking until
// any in-flight cycle finishes first. Cancellation is honored only before
// the drain commits; once content left the short-term store the cycle runs
// through merge completion so no memory is silently lost.
func (c *Consolidator) RunCycle(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cycle(ctx)
}

func (c *Consolidator) cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer c.setState(StateIdle)

	c.setState(StateDraining)
	nodes, edges := c.stm.Drain()
	drained := len(nodes)

	// Past this point the drained content exists only in this cycle's hands;
	// the caller's cancellation no longer applies.
	ctx = context.WithoutCancel(ctx)

	c.setState(StateMerging)
	nodes, edges = c.takePending(nodes, edges)
	res, err := c.ltm.Merge(nodes, edges)
	if err != nil {
		c.stashPending(remainder(nodes, res), edges)
		return fmt.Errorf("merge drained content: %w", err)
	}
	c.indexInserted(ctx, nodes, res)

	c.setState(StateDecaying)
	// Entries stamped since the previous cycle's merge completed — including
	// everything merged or reinforced just now — are exempt from this sweep.
	cutoff := c.lastCycle
	c.lastCycle = time.Now()
	decayed := c.ltm.Decay(c.settings.DecayFactor, cutoff)

	prunedNodes, prunedEdges := 0, 0
	if c.ltm.Len() > c.settings.LTMSoftCapacity || time.Since(c.lastPrune) >= c.settings.PruneInterval {
		c.setState(StatePruning)
		removed, edgeCount := c.ltm.Prune(c.settings.Epsilon, c.settings.LTMMinRetain, c.settings.LTMSoftCapacity)
		c.lastPrune = time.Now()
		prunedNodes, prunedEdges = len(removed), edgeCount
		if c.searcher != nil && len(removed) > 0 {
			if err := c.searcher.Remove(ctx, removed); err != nil {
				c.logger.Warn("failed to drop pruned vectors from index", zap.Error(err))
			}
		}
	}

	if err := c.persistLocked(ctx); err != nil {
		return err
	}

	c.sink.RecordCycle(telemetry.CycleReport{
		Duration:    time.Since(start),
		Drained:     drained,
		Inserted:    len(res.Inserted),
		Reinforced:  len(res.Reinforced),
		Decayed:     decayed,
		PrunedNodes: prunedNodes,
		PrunedEdges: prunedEdges,
	})
	return nil
}

// persistLocked saves the current long-term snapshot. A failed save leaves
// pendingSave set so the retry path re-attempts only the write, not the
// sweeps that already ran. Callers hold runMu.
func (c *Consolidator) persistLocked(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	ns, es := c.ltm.Snapshot()
	if err := c.backend.Save(ctx, ns, es); err != nil {
		c.pendingSave = true
		return fmt.Errorf("persist long-term snapshot: %w", err)
	}
	c.pendingSave = false
	return nil
}

// retryPersist re-runs a save that failed at the end of an otherwise
// completed cycle.
func (c *Consolidator) retryPersist(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.pendingSave {
		return nil
	}
	return c.persistLocked(ctx)
}

func (c *Consolidator) persistPending() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.pendingSave
}

// takePending prepends the remainder of a previously failed merge. Merge is
// idempotent, so at-least-once delivery of the remainder is safe.
func (c *Consolidator) takePending(nodes []*MemoryNode, edges []*MemoryEdge) ([]*MemoryNode, []*MemoryEdge) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pendingNodes) == 0 && len(c.pendingEdges) == 0 {
		return nodes, edges
	}
	nodes = append(c.pendingNodes, nodes...)
	edges = append(c.pendingEdges, edges...)
	c.pendingNodes, c.pendingEdges = nil, nil
	return nodes, edges
}

func (c *Consolidator) stashPending(nodes []*MemoryNode, edges []*MemoryEdge) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pendingNodes = append(c.pendingNodes, nodes...)
	c.pendingEdges = append(c.pendingEdges, edges...)
	c.logger.Warn("stashed unmerged remainder for next cycle",
		zap.Int("nodes", len(c.pendingNodes)),
		zap.Int("edges", len(c.pendingEdges)))
}

// remainder returns the nodes the merge did not account for, by identity.
func remainder(nodes []*MemoryNode, res *MergeResult) []*MemoryNode {
	if res == nil {
		return nodes
	}
	done := make(map[string]struct{}, len(res.Inserted)+len(res.Reinforced))
	for _, id := range res.Inserted {
		done[id] = struct{}{}
	}
	for _, id := range res.Reinforced {
		done[id] = struct{}{}
	}
	var out []*MemoryNode
	for _, n := range nodes {
		if _, ok := done[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// indexInserted upserts vectors for freshly inserted nodes. Index writes are
// best effort; a miss only weakens similarity recall until the next upsert.
func (c *Consolidator) indexInserted(ctx context.Context, nodes []*MemoryNode, res *MergeResult) {
	if c.searcher == nil {
		return
	}
	inserted := make(map[string]struct{}, len(res.Inserted))
	for _, id := range res.Inserted {
		inserted[id] = struct{}{}
	}
	for _, n := range nodes {
		if _, ok := inserted[n.ID]; !ok || len(n.Embedding) == 0 {
			continue
		}
		if err := c.searcher.Index(ctx, n); err != nil {
			c.logger.Warn("failed to index merged node",
				zap.String("id", n.ID),
				zap.Error(err))
		}
	}
}

// Start launches the background scheduler: cycles on the configured
// interval, plus coalesced on-demand triggers. Stop shuts it down.
func (c *Consolidator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.settings.ConsolidationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.runWithRetry(ctx)
			case <-c.kick:
				c.runWithRetry(ctx)
			}
		}
	}()
	c.logger.Info("consolidation scheduler started",
		zap.Duration("interval", c.settings.ConsolidationInterval),
		zap.Duration("prune_interval", c.settings.PruneInterval))
}

// runWithRetry retries transient backend failures with exponential backoff;
// anything else is logged and dropped until the next tick. When a cycle got
// as far as its snapshot save before failing, the retries re-run only the
// save: decay and prune already happened and must not be applied again.
func (c *Consolidator) runWithRetry(ctx context.Context) {
	cycled := false
	op := func() error {
		var err error
		if cycled && c.persistPending() {
			err = c.retryPersist(ctx)
		} else {
			err = c.RunCycle(ctx)
			cycled = true
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("consolidation cycle failed", zap.Error(err))
	}
}

// Stop terminates the scheduler and waits for the loop to exit. A cycle in
// flight completes first.
func (c *Consolidator) Stop() {
	close(c.stop)
	c.wg.Wait()
}
