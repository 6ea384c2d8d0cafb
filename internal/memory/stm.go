package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ShortTermStore is the fast, capacity-bounded graph of recently written
// memories. It owns no decay logic, only recency bookkeeping; the
// consolidator is the sole path out of it. A single mutex guards capacity
// checks, inserts and drains, so a Put is either fully visible to a Drain
// or not at all.
type ShortTermStore struct {
	mu            sync.Mutex
	capacity      int
	initialWeight float64
	nodes         map[string]*MemoryNode
	edges         map[string]*MemoryEdge
	logger        *zap.Logger
}

// NewShortTermStore creates an empty store with the given hard capacity.
func NewShortTermStore(capacity int, initialWeight float64, logger *zap.Logger) *ShortTermStore {
	if capacity <= 0 {
		capacity = DefaultSettings().STMCapacity
	}
	if initialWeight <= 0 {
		initialWeight = DefaultSettings().InitialWeight
	}
	return &ShortTermStore{
		capacity:      capacity,
		initialWeight: initialWeight,
		nodes:         make(map[string]*MemoryNode),
		edges:         make(map[string]*MemoryEdge),
		logger:        logger,
	}
}

// Put inserts a node and its candidate edges, returning the assigned
// identity. Fails with ErrCapacityExceeded when the store is full; the
// caller is expected to force a consolidation cycle and retry.
//
// Candidate edges may reference nodes that are not resident here: a
// relation can point at an already consolidated memory. Endpoint existence
// is settled at merge time, when the long-term residents are visible; only
// edges without a target are rejected up front.
func (s *ShortTermStore) Put(node *MemoryNode, related []*MemoryEdge) (string, error) {
	if node == nil {
		return "", fmt.Errorf("%w: nil node", ErrInvariantViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.nodes) >= s.capacity {
		return "", fmt.Errorf("%w: %d nodes at capacity %d", ErrCapacityExceeded, len(s.nodes), s.capacity)
	}

	now := time.Now()
	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if _, exists := s.nodes[n.ID]; exists {
		return "", fmt.Errorf("%w: duplicate node id %s", ErrInvariantViolation, n.ID)
	}
	n.Tier = TierShortTerm
	n.RecencyWeight = s.initialWeight
	n.AccessCount = 0
	n.CreatedAt = now
	n.LastAccessedAt = now
	s.nodes[n.ID] = n

	for _, e := range related {
		edge := e.Clone()
		if edge.Source == "" {
			edge.Source = n.ID
		}
		if edge.Target == "" {
			s.dropEdge(edge, "target")
			continue
		}
		if edge.Weight <= 0 {
			edge.Weight = s.initialWeight
		}
		edge.LastReinforcedAt = now
		s.edges[edge.Key()] = edge
	}

	return n.ID, nil
}

func (s *ShortTermStore) dropEdge(e *MemoryEdge, missing string) {
	s.logger.Warn("dropping edge with missing endpoint",
		zap.String("source", e.Source),
		zap.String("target", e.Target),
		zap.String("missing", missing),
		zap.Error(ErrInvariantViolation))
}

// Get returns a copy of the node if present. It never searches the
// long-term store; read-through layering is the retrieval router's job.
func (s *ShortTermStore) Get(id string) (*MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("stm get %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

// Touch records a cache hit: bumps the access counter and last-access time
// without promoting the node anywhere.
func (s *ShortTermStore) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("stm touch %s: %w", id, ErrNotFound)
	}
	n.AccessCount++
	n.LastAccessedAt = time.Now()
	return nil
}

// Drain atomically removes and returns everything in the store. The store
// is empty the instant Drain returns; a concurrent Put lands either fully
// before the drain or fully after it.
func (s *ShortTermStore) Drain() ([]*MemoryNode, []*MemoryEdge) {
	s.mu.Lock()
	nodes, edges := s.nodes, s.edges
	s.nodes = make(map[string]*MemoryNode)
	s.edges = make(map[string]*MemoryEdge)
	s.mu.Unlock()

	outNodes := make([]*MemoryNode, 0, len(nodes))
	for _, n := range nodes {
		outNodes = append(outNodes, n)
	}
	outEdges := make([]*MemoryEdge, 0, len(edges))
	for _, e := range edges {
		outEdges = append(outEdges, e)
	}
	return outNodes, outEdges
}

// Len reports the current node count.
func (s *ShortTermStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Capacity reports the configured hard bound.
func (s *ShortTermStore) Capacity() int {
	return s.capacity
}
