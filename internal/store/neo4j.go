package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/memory"
)

// Neo4j persists long-term snapshots as a property graph: one :Memory node
// per memory node, one :RELATES relationship per edge.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates the driver and verifies connectivity.
func NewNeo4j(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	logger.Info("Neo4j backend connected")
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Save rewrites the graph in a single write transaction.
func (s *Neo4j) Save(ctx context.Context, nodes []*memory.MemoryNode, edges []*memory.MemoryEdge) error {
	nodeParams := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		metadata := ""
		if len(n.Metadata) > 0 {
			data, err := json.Marshal(n.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata %s: %w", n.ID, err)
			}
			metadata = string(data)
		}
		embedding := make([]float64, len(n.Embedding))
		for i, v := range n.Embedding {
			embedding[i] = float64(v)
		}
		nodeParams = append(nodeParams, map[string]any{
			"id":               n.ID,
			"content":          n.Content,
			"metadata":         metadata,
			"embedding":        embedding,
			"recency_weight":   n.RecencyWeight,
			"access_count":     n.AccessCount,
			"created_at":       n.CreatedAt,
			"last_accessed_at": n.LastAccessedAt,
		})
	}
	edgeParams := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		edgeParams = append(edgeParams, map[string]any{
			"source":             e.Source,
			"target":             e.Target,
			"kind":               e.Kind,
			"weight":             e.Weight,
			"last_reinforced_at": e.LastReinforcedAt,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (m:Memory) DETACH DELETE m`, nil); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			`UNWIND $nodes AS node CREATE (m:Memory) SET m = node`,
			map[string]any{"nodes": nodeParams}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			`UNWIND $edges AS edge
			 MATCH (a:Memory {id: edge.source}), (b:Memory {id: edge.target})
			 CREATE (a)-[:RELATES {
			 	kind: edge.kind,
			 	weight: edge.weight,
			 	last_reinforced_at: edge.last_reinforced_at
			 }]->(b)`,
			map[string]any{"edges": edgeParams}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return unavailable("neo4j write snapshot", err)
	}
	return nil
}

// Load reads the full graph back.
func (s *Neo4j) Load(ctx context.Context) ([]*memory.MemoryNode, []*memory.MemoryEdge, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	nodeRecords, err := session.Run(ctx,
		`MATCH (m:Memory)
		 RETURN m.id AS id, m.content AS content, m.metadata AS metadata,
		        m.embedding AS embedding, m.recency_weight AS recency_weight,
		        m.access_count AS access_count, m.created_at AS created_at,
		        m.last_accessed_at AS last_accessed_at`, nil)
	if err != nil {
		return nil, nil, unavailable("neo4j load nodes", err)
	}

	var nodes []*memory.MemoryNode
	for nodeRecords.Next(ctx) {
		rec := nodeRecords.Record()
		n := &memory.MemoryNode{Tier: memory.TierLongTerm}
		n.ID = stringValue(rec, "id")
		n.Content = stringValue(rec, "content")
		if raw := stringValue(rec, "metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &n.Metadata); err != nil {
				s.logger.Warn("skipping undecodable metadata", zap.String("id", n.ID), zap.Error(err))
			}
		}
		if v, ok := rec.Get("embedding"); ok && v != nil {
			if list, ok := v.([]any); ok {
				n.Embedding = make([]float32, 0, len(list))
				for _, item := range list {
					if f, ok := item.(float64); ok {
						n.Embedding = append(n.Embedding, float32(f))
					}
				}
			}
		}
		n.RecencyWeight = floatValue(rec, "recency_weight")
		n.AccessCount = int(intValue(rec, "access_count"))
		n.CreatedAt = timeValue(rec, "created_at")
		n.LastAccessedAt = timeValue(rec, "last_accessed_at")
		nodes = append(nodes, n)
	}
	if err := nodeRecords.Err(); err != nil {
		return nil, nil, unavailable("neo4j load nodes", err)
	}

	edgeRecords, err := session.Run(ctx,
		`MATCH (a:Memory)-[r:RELATES]->(b:Memory)
		 RETURN a.id AS source, b.id AS target, r.kind AS kind,
		        r.weight AS weight, r.last_reinforced_at AS last_reinforced_at`, nil)
	if err != nil {
		return nil, nil, unavailable("neo4j load edges", err)
	}

	var edges []*memory.MemoryEdge
	for edgeRecords.Next(ctx) {
		rec := edgeRecords.Record()
		edges = append(edges, &memory.MemoryEdge{
			Source:           stringValue(rec, "source"),
			Target:           stringValue(rec, "target"),
			Kind:             stringValue(rec, "kind"),
			Weight:           floatValue(rec, "weight"),
			LastReinforcedAt: timeValue(rec, "last_reinforced_at"),
		})
	}
	if err := edgeRecords.Err(); err != nil {
		return nil, nil, unavailable("neo4j load edges", err)
	}

	s.logger.Info("snapshot loaded from Neo4j",
		zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
	return nodes, edges, nil
}

// Close shuts down the driver.
func (s *Neo4j) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func stringValue(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatValue(rec *neo4j.Record, key string) float64 {
	if v, ok := rec.Get(key); ok && v != nil {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func intValue(rec *neo4j.Record, key string) int64 {
	if v, ok := rec.Get(key); ok && v != nil {
		if i, ok := v.(int64); ok {
			return i
		}
	}
	return 0
}

func timeValue(rec *neo4j.Record, key string) time.Time {
	if v, ok := rec.Get(key); ok && v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}
