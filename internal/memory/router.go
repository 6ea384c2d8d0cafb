package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/telemetry"
)

// RetrievalRouter answers reads over both tiers: short-term first as the
// cache, long-term as the fallback. Hits feed back into the weighting
// system, so retrieval itself shapes what survives consolidation.
type RetrievalRouter struct {
	stm        *ShortTermStore
	ltm        *LongTermStore
	searcher   Searcher
	accessGain float64
	sink       telemetry.Sink
	logger     *zap.Logger
}

// NewRetrievalRouter creates a router. searcher may be nil, in which case
// QuerySimilar reports the capability as unavailable.
func NewRetrievalRouter(stm *ShortTermStore, ltm *LongTermStore, searcher Searcher, accessGain float64, sink telemetry.Sink, logger *zap.Logger) *RetrievalRouter {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if accessGain <= 0 {
		accessGain = DefaultSettings().AccessGain
	}
	return &RetrievalRouter{
		stm:        stm,
		ltm:        ltm,
		searcher:   searcher,
		accessGain: accessGain,
		sink:       sink,
		logger:     logger,
	}
}

// Query looks an identity up in the short-term store first, then long-term.
// A short-term hit is touched; a long-term hit counts as a light
// reinforcement. A miss in both is ErrNotFound, never a fabricated result.
func (r *RetrievalRouter) Query(id string) (*MemoryNode, error) {
	if n, err := r.stm.Get(id); err == nil {
		if terr := r.stm.Touch(id); terr != nil {
			r.logger.Warn("touch after hit failed", zap.String("id", id), zap.Error(terr))
		}
		r.sink.RecordHit(string(TierShortTerm))
		return n, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	n, err := r.ltm.Reinforce(id, r.accessGain)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.sink.RecordMiss()
		}
		return nil, err
	}
	r.sink.RecordHit(string(TierLongTerm))
	return n, nil
}

// ScoredNode pairs a retrieved node with its similarity score.
type ScoredNode struct {
	Node  *MemoryNode `json:"node"`
	Score float32     `json:"score"`
}

// QuerySimilar delegates to the similarity search capability and resolves
// the ranked identities against both stores, preferring the short-term copy
// when a node transiently exists in both (mid-consolidation window). Every
// returned node is reinforced as an access.
func (r *RetrievalRouter) QuerySimilar(ctx context.Context, embedding []float32, k int) ([]ScoredNode, error) {
	if r.searcher == nil {
		return nil, fmt.Errorf("similarity search: %w", ErrStoreUnavailable)
	}
	if k <= 0 {
		k = 10
	}

	hits, err := r.searcher.Search(ctx, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	out := make([]ScoredNode, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		if _, dup := seen[h.ID]; dup {
			continue
		}
		seen[h.ID] = struct{}{}

		if n, serr := r.stm.Get(h.ID); serr == nil {
			if terr := r.stm.Touch(h.ID); terr == nil {
				r.sink.RecordHit(string(TierShortTerm))
			}
			out = append(out, ScoredNode{Node: n, Score: h.Score})
			continue
		}
		n, lerr := r.ltm.Reinforce(h.ID, r.accessGain)
		if lerr != nil {
			// stale index entry; skip rather than fabricate
			r.logger.Debug("similarity hit not present in either tier",
				zap.String("id", h.ID), zap.Error(lerr))
			continue
		}
		r.sink.RecordHit(string(TierLongTerm))
		out = append(out, ScoredNode{Node: n, Score: h.Score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
