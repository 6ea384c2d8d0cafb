package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MergeResult reports which identities a Merge call inserted fresh and which
// it reinforced instead.
type MergeResult struct {
	Inserted   []string `json:"inserted"`
	Reinforced []string `json:"reinforced"`
	// DroppedEdges counts candidate edges rejected for referencing a node
	// absent from the store.
	DroppedEdges int `json:"dropped_edges,omitempty"`
}

// LongTermStore is the persistent, recency-weighted memory graph and the
// system of record. Nodes and edges live in identity-keyed maps and edges
// reference identities, never node pointers, so the cyclic graph stays
// acyclic in ownership terms.
//
// The store itself is in-process; a persistence backend snapshots it across
// restarts via Snapshot and Restore.
type LongTermStore struct {
	mu       sync.RWMutex
	settings Settings
	nodes    map[string]*MemoryNode
	edges    map[string]*MemoryEdge
	// adjacency maps node ID -> peer ID -> edge key, maintained on every
	// edge insert and removal so Neighbors and prune cascades stay cheap.
	adjacency map[string]map[string]string
	logger    *zap.Logger
}

// NewLongTermStore creates an empty store with normalized settings.
func NewLongTermStore(settings Settings, logger *zap.Logger) *LongTermStore {
	return &LongTermStore{
		settings:  settings.Normalize(),
		nodes:     make(map[string]*MemoryNode),
		edges:     make(map[string]*MemoryEdge),
		adjacency: make(map[string]map[string]string),
		logger:    logger,
	}
}

// Merge upserts drained short-term content. Known identities are reinforced
// through the diminishing-returns curve rather than duplicated; new ones are
// inserted at the initial long-term weight. Idempotent in the upsert sense:
// merging the same identity twice yields one entry, reinforced twice.
func (l *LongTermStore) Merge(nodes []*MemoryNode, edges []*MemoryEdge) (*MergeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	res := &MergeResult{}

	for _, in := range nodes {
		if in == nil || in.ID == "" {
			return res, fmt.Errorf("merge: %w: node without identity", ErrInvariantViolation)
		}
		if existing, ok := l.nodes[in.ID]; ok {
			existing.RecencyWeight = reinforce(existing.RecencyWeight, l.settings.ReinforcementGain, l.settings.WeightCap)
			existing.AccessCount++
			existing.LastAccessedAt = now
			res.Reinforced = append(res.Reinforced, in.ID)
			continue
		}
		n := in.Clone()
		n.Tier = TierLongTerm
		n.RecencyWeight = l.settings.InitialWeight
		n.LastAccessedAt = now
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		l.nodes[n.ID] = n
		res.Inserted = append(res.Inserted, n.ID)
	}

	for _, in := range edges {
		if in == nil {
			continue
		}
		if _, ok := l.nodes[in.Source]; !ok {
			l.dropEdge(in, in.Source)
			res.DroppedEdges++
			continue
		}
		if _, ok := l.nodes[in.Target]; !ok {
			l.dropEdge(in, in.Target)
			res.DroppedEdges++
			continue
		}
		key := in.Key()
		if existing, ok := l.edges[key]; ok {
			existing.Weight = reinforce(existing.Weight, l.settings.ReinforcementGain, l.settings.WeightCap)
			existing.LastReinforcedAt = now
			continue
		}
		e := in.Clone()
		if e.Weight <= 0 {
			e.Weight = l.settings.InitialWeight
		}
		e.LastReinforcedAt = now
		l.insertEdge(key, e)
	}

	return res, nil
}

func (l *LongTermStore) insertEdge(key string, e *MemoryEdge) {
	l.edges[key] = e
	l.link(e.Source, e.Target, key)
	l.link(e.Target, e.Source, key)
}

func (l *LongTermStore) link(from, to, key string) {
	peers, ok := l.adjacency[from]
	if !ok {
		peers = make(map[string]string)
		l.adjacency[from] = peers
	}
	peers[to] = key
}

func (l *LongTermStore) dropEdge(e *MemoryEdge, missing string) {
	l.logger.Warn("dropping edge with missing endpoint",
		zap.String("source", e.Source),
		zap.String("target", e.Target),
		zap.String("missing", missing),
		zap.Error(ErrInvariantViolation))
}

// Get returns a copy of the node if present. Reads do not reinforce; the
// retrieval router decides when an access counts as reinforcement.
func (l *LongTermStore) Get(id string) (*MemoryNode, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("ltm get %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

// Reinforce strengthens a node on access with the given gain and stamps the
// access bookkeeping. Returns the updated node.
func (l *LongTermStore) Reinforce(id string, gain float64) (*MemoryNode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("ltm reinforce %s: %w", id, ErrNotFound)
	}
	n.RecencyWeight = reinforce(n.RecencyWeight, gain, l.settings.WeightCap)
	n.AccessCount++
	n.LastAccessedAt = time.Now()
	return n.Clone(), nil
}

// Neighbors returns the edges incident to id sorted by descending weight,
// ties broken by most recent reinforcement, then by peer identity so the
// order is deterministic.
func (l *LongTermStore) Neighbors(id string) ([]*MemoryEdge, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.nodes[id]; !ok {
		return nil, fmt.Errorf("ltm neighbors %s: %w", id, ErrNotFound)
	}

	out := make([]*MemoryEdge, 0, len(l.adjacency[id]))
	for _, key := range l.adjacency[id] {
		if e, ok := l.edges[key]; ok {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if !out[i].LastReinforcedAt.Equal(out[j].LastReinforcedAt) {
			return out[i].LastReinforcedAt.After(out[j].LastReinforcedAt)
		}
		return out[i].Peer(id) < out[j].Peer(id)
	})
	return out, nil
}

// Decay multiplies the weight of every node and edge not touched since
// cutoff by factor. It is a full-graph sweep, never lazy-per-access, so
// forgetting is uniform regardless of access pattern. Returns the number of
// entries decayed.
func (l *LongTermStore) Decay(factor float64, cutoff time.Time) int {
	if factor <= 0 || factor >= 1 {
		l.logger.Warn("ignoring decay with factor out of range", zap.Float64("factor", factor))
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	decayed := 0
	for _, n := range l.nodes {
		if n.LastAccessedAt.Before(cutoff) {
			n.RecencyWeight *= factor
			decayed++
		}
	}
	for _, e := range l.edges {
		if e.LastReinforcedAt.Before(cutoff) {
			e.Weight *= factor
			decayed++
		}
	}
	return decayed
}

// Prune removes nodes and edges whose weight fell below minWeight, except
// that the minRetain highest-weight nodes survive regardless, so aggressive
// decay can never empty the store. When maxNodes is positive and the store
// still exceeds it afterwards, the lowest-weight unprotected nodes are
// evicted until the count fits, so capacity pressure shrinks the store even
// while every weight sits above the threshold. Node removal cascades to
// incident edges. Returns the removed node IDs and the number of removed
// edges.
func (l *LongTermStore) Prune(minWeight float64, minRetain, maxNodes int) ([]string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Rank everything once; the top minRetain node IDs form the protected core.
	ranked := make([]*MemoryNode, 0, len(l.nodes))
	for _, n := range l.nodes {
		ranked = append(ranked, n)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RecencyWeight != ranked[j].RecencyWeight {
			return ranked[i].RecencyWeight > ranked[j].RecencyWeight
		}
		return ranked[i].ID < ranked[j].ID
	})
	protected := make(map[string]struct{}, minRetain)
	for i := 0; i < minRetain && i < len(ranked); i++ {
		protected[ranked[i].ID] = struct{}{}
	}

	var removedNodes []string
	removedEdges := 0
	for _, n := range ranked {
		if n.RecencyWeight >= minWeight {
			continue
		}
		if _, ok := protected[n.ID]; ok {
			continue
		}
		removedEdges += l.removeNodeLocked(n.ID)
		removedNodes = append(removedNodes, n.ID)
	}

	if maxNodes > 0 {
		for i := len(ranked) - 1; i >= 0 && len(l.nodes) > maxNodes; i-- {
			n := ranked[i]
			if _, alive := l.nodes[n.ID]; !alive {
				continue
			}
			if _, ok := protected[n.ID]; ok {
				break
			}
			removedEdges += l.removeNodeLocked(n.ID)
			removedNodes = append(removedNodes, n.ID)
		}
	}

	// Low-weight edges go independently of their endpoints.
	for key, e := range l.edges {
		if e.Weight < minWeight {
			l.removeEdgeLocked(key, e)
			removedEdges++
		}
	}

	if len(removedNodes) > 0 || removedEdges > 0 {
		l.logger.Info("pruned long-term store",
			zap.Int("nodes", len(removedNodes)),
			zap.Int("edges", removedEdges),
			zap.Int("remaining", len(l.nodes)))
	}
	return removedNodes, removedEdges
}

// removeNodeLocked deletes a node and cascades to its edges. Caller holds mu.
func (l *LongTermStore) removeNodeLocked(id string) int {
	removed := 0
	for _, key := range l.adjacency[id] {
		if e, ok := l.edges[key]; ok {
			l.removeEdgeLocked(key, e)
			removed++
		}
	}
	delete(l.adjacency, id)
	delete(l.nodes, id)
	return removed
}

func (l *LongTermStore) removeEdgeLocked(key string, e *MemoryEdge) {
	delete(l.edges, key)
	if peers, ok := l.adjacency[e.Source]; ok {
		delete(peers, e.Target)
		if len(peers) == 0 {
			delete(l.adjacency, e.Source)
		}
	}
	if peers, ok := l.adjacency[e.Target]; ok {
		delete(peers, e.Source)
		if len(peers) == 0 {
			delete(l.adjacency, e.Target)
		}
	}
}

// Len reports the node count.
func (l *LongTermStore) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// EdgeCount reports the edge count.
func (l *LongTermStore) EdgeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.edges)
}

// Snapshot returns copies of all nodes and edges for the persistence backend.
func (l *LongTermStore) Snapshot() ([]*MemoryNode, []*MemoryEdge) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nodes := make([]*MemoryNode, 0, len(l.nodes))
	for _, n := range l.nodes {
		nodes = append(nodes, n.Clone())
	}
	edges := make([]*MemoryEdge, 0, len(l.edges))
	for _, e := range l.edges {
		edges = append(edges, e.Clone())
	}
	return nodes, edges
}

// Restore replaces the store content from a backend snapshot. Edges whose
// endpoints did not survive the snapshot are dropped rather than restored
// corrupt.
func (l *LongTermStore) Restore(nodes []*MemoryNode, edges []*MemoryEdge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nodes = make(map[string]*MemoryNode, len(nodes))
	l.edges = make(map[string]*MemoryEdge, len(edges))
	l.adjacency = make(map[string]map[string]string)

	for _, n := range nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("restore: %w: node without identity", ErrInvariantViolation)
		}
		c := n.Clone()
		c.Tier = TierLongTerm
		if c.RecencyWeight < 0 {
			c.RecencyWeight = 0
		}
		l.nodes[c.ID] = c
	}
	dropped := 0
	for _, e := range edges {
		if e == nil {
			continue
		}
		if _, ok := l.nodes[e.Source]; !ok {
			dropped++
			continue
		}
		if _, ok := l.nodes[e.Target]; !ok {
			dropped++
			continue
		}
		c := e.Clone()
		if c.Weight < 0 {
			c.Weight = 0
		}
		l.insertEdge(c.Key(), c)
	}
	if dropped > 0 {
		l.logger.Warn("dropped dangling edges during restore", zap.Int("count", dropped))
	}
	l.logger.Info("long-term store restored",
		zap.Int("nodes", len(l.nodes)),
		zap.Int("edges", len(l.edges)))
	return nil
}
