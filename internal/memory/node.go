// Package memory implements a dual-store memory graph: a capacity-bounded
// short-term store for recent writes, a decaying long-term store as the
// system of record, and a consolidation engine that migrates, reinforces
// and prunes entries between them.
package memory

import (
	"time"
)

// Tier identifies which store currently owns a node. A node moves from
// short-term to long-term exactly once, never back.
type Tier string

const (
	TierShortTerm Tier = "stm"
	TierLongTerm  Tier = "ltm"
)

// MemoryNode is a single memory entry. Content and Embedding are immutable
// after creation; the engine only updates weight and access bookkeeping.
type MemoryNode struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Embedding      []float32         `json:"embedding,omitempty"`
	RecencyWeight  float64           `json:"recency_weight"`
	AccessCount    int               `json:"access_count"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Tier           Tier              `json:"tier"`
}

// Clone returns a deep copy so callers can hold results without racing
// against store-internal mutation.
func (n *MemoryNode) Clone() *MemoryNode {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.Embedding != nil {
		c.Embedding = make([]float32, len(n.Embedding))
		copy(c.Embedding, n.Embedding)
	}
	return &c
}

// MemoryEdge connects two node identities. Edges are undirected; Source and
// Target are kept for stable identity and Kind optionally labels the relation.
type MemoryEdge struct {
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Kind             string    `json:"kind,omitempty"`
	Weight           float64   `json:"weight"`
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
}

// Key returns the canonical identity of an undirected edge: the endpoint IDs
// in lexical order, so (a,b) and (b,a) collide. At most one edge exists per
// node pair; Kind is a label, not part of the identity.
func (e *MemoryEdge) Key() string {
	a, b := e.Source, e.Target
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Peer returns the endpoint opposite to id, or "" if id is not an endpoint.
func (e *MemoryEdge) Peer(id string) string {
	switch id {
	case e.Source:
		return e.Target
	case e.Target:
		return e.Source
	}
	return ""
}

func (e *MemoryEdge) Clone() *MemoryEdge {
	c := *e
	return &c
}

// Settings holds the tuning constants for the whole engine. Zero values are
// replaced by DefaultSettings values through Normalize.
type Settings struct {
	STMCapacity           int           // hard bound on short-term node count
	LTMSoftCapacity       int           // prune target for the long-term store
	LTMMinRetain          int           // pruning never drops below this many nodes
	InitialWeight         float64       // weight assigned on insert in either tier
	DecayFactor           float64       // per-cycle multiplier for untouched entries
	ReinforcementGain     float64       // gain applied on consolidation-time merge
	AccessGain            float64       // lighter gain applied on retrieval hits
	WeightCap             float64       // asymptote of the reinforcement curve
	Epsilon               float64       // weights below this are pruning candidates
	ConsolidationInterval time.Duration // scheduled cycle period
	PruneInterval         time.Duration // slower pruning cadence
}

// DefaultSettings returns the tuning used when the caller leaves a field zero.
func DefaultSettings() Settings {
	return Settings{
		STMCapacity:           128,
		LTMSoftCapacity:       4096,
		LTMMinRetain:          64,
		InitialWeight:         1.0,
		DecayFactor:           0.9,
		ReinforcementGain:     0.3,
		AccessGain:            0.1,
		WeightCap:             5.0,
		Epsilon:               0.05,
		ConsolidationInterval: 5 * time.Minute,
		PruneInterval:         30 * time.Minute,
	}
}

// Normalize fills zero fields with defaults.
func (s Settings) Normalize() Settings {
	def := DefaultSettings()
	if s.STMCapacity <= 0 {
		s.STMCapacity = def.STMCapacity
	}
	if s.LTMSoftCapacity <= 0 {
		s.LTMSoftCapacity = def.LTMSoftCapacity
	}
	if s.LTMMinRetain < 0 {
		s.LTMMinRetain = def.LTMMinRetain
	}
	if s.InitialWeight <= 0 {
		s.InitialWeight = def.InitialWeight
	}
	if s.DecayFactor <= 0 || s.DecayFactor >= 1 {
		s.DecayFactor = def.DecayFactor
	}
	if s.ReinforcementGain <= 0 {
		s.ReinforcementGain = def.ReinforcementGain
	}
	if s.AccessGain <= 0 {
		s.AccessGain = def.AccessGain
	}
	if s.WeightCap <= 0 {
		s.WeightCap = def.WeightCap
	}
	if s.Epsilon <= 0 {
		s.Epsilon = def.Epsilon
	}
	if s.ConsolidationInterval <= 0 {
		s.ConsolidationInterval = def.ConsolidationInterval
	}
	if s.PruneInterval <= 0 {
		s.PruneInterval = def.PruneInterval
	}
	return s
}

// reinforce applies the diminishing-returns curve: the closer a weight is to
// the cap, the smaller the increment. Never decreases, never exceeds the cap.
func reinforce(weight, gain, weightCap float64) float64 {
	if weight >= weightCap {
		return weight
	}
	w := weight + gain*(1-weight/weightCap)
	if w > weightCap {
		w = weightCap
	}
	return w
}
