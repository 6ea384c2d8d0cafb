// Package telemetry collects operational counters for the memory engine:
// consolidation cycle timings, prune counts and retrieval hit/miss ratios.
// It is purely observational; no engine behavior depends on its presence,
// and it can be disabled entirely via configuration or the
// ENGRAM_TELEMETRY_ENABLED environment variable.
package telemetry

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EnvFlag overrides the configured enable switch when set ("false" wins).
const EnvFlag = "ENGRAM_TELEMETRY_ENABLED"

// CycleReport summarizes one consolidation cycle.
type CycleReport struct {
	Duration    time.Duration `json:"duration"`
	Drained     int           `json:"drained"`
	Inserted    int           `json:"inserted"`
	Reinforced  int           `json:"reinforced"`
	Decayed     int           `json:"decayed"`
	PrunedNodes int           `json:"pruned_nodes"`
	PrunedEdges int           `json:"pruned_edges"`
}

// Sink receives engine events.
type Sink interface {
	RecordCycle(r CycleReport)
	RecordHit(tier string)
	RecordMiss()
}

// Stats is a point-in-time snapshot of accumulated counters.
type Stats struct {
	Cycles      int64 `json:"cycles"`
	Merged      int64 `json:"merged"`
	PrunedNodes int64 `json:"pruned_nodes"`
	PrunedEdges int64 `json:"pruned_edges"`
	STMHits     int64 `json:"stm_hits"`
	LTMHits     int64 `json:"ltm_hits"`
	Misses      int64 `json:"misses"`
}

// Collector is a Sink backed by atomic counters, with per-cycle summaries
// logged at debug level.
type Collector struct {
	cycles      atomic.Int64
	merged      atomic.Int64
	prunedNodes atomic.Int64
	prunedEdges atomic.Int64
	stmHits     atomic.Int64
	ltmHits     atomic.Int64
	misses      atomic.Int64
	logger      *zap.Logger
}

// New returns a Collector when telemetry is enabled, a no-op Sink otherwise.
// The environment flag takes precedence over the enabled argument.
func New(enabled bool, logger *zap.Logger) Sink {
	if v := os.Getenv(EnvFlag); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			enabled = parsed
		}
	}
	if !enabled {
		return Nop{}
	}
	return NewCollector(logger)
}

// NewCollector creates an always-on Collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger}
}

func (c *Collector) RecordCycle(r CycleReport) {
	c.cycles.Add(1)
	c.merged.Add(int64(r.Inserted + r.Reinforced))
	c.prunedNodes.Add(int64(r.PrunedNodes))
	c.prunedEdges.Add(int64(r.PrunedEdges))
	c.logger.Debug("consolidation cycle",
		zap.Duration("duration", r.Duration),
		zap.Int("drained", r.Drained),
		zap.Int("inserted", r.Inserted),
		zap.Int("reinforced", r.Reinforced),
		zap.Int("decayed", r.Decayed),
		zap.Int("pruned_nodes", r.PrunedNodes),
		zap.Int("pruned_edges", r.PrunedEdges))
}

func (c *Collector) RecordHit(tier string) {
	if tier == "stm" {
		c.stmHits.Add(1)
		return
	}
	c.ltmHits.Add(1)
}

func (c *Collector) RecordMiss() {
	c.misses.Add(1)
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Stats {
	return Stats{
		Cycles:      c.cycles.Load(),
		Merged:      c.merged.Load(),
		PrunedNodes: c.prunedNodes.Load(),
		PrunedEdges: c.prunedEdges.Load(),
		STMHits:     c.stmHits.Load(),
		LTMHits:     c.ltmHits.Load(),
		Misses:      c.misses.Load(),
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) RecordCycle(CycleReport) {}
func (Nop) RecordHit(string)        {}
func (Nop) RecordMiss()             {}
