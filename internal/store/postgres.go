package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/memory"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS memory_nodes (
	id               TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	metadata         JSONB,
	embedding        REAL[],
	recency_weight   DOUBLE PRECISION NOT NULL,
	access_count     INTEGER NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS memory_edges (
	source             TEXT NOT NULL,
	target             TEXT NOT NULL,
	kind               TEXT NOT NULL DEFAULT '',
	weight             DOUBLE PRECISION NOT NULL,
	last_reinforced_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, target)
);
`

// Postgres persists long-term snapshots in PostgreSQL via a pgx pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects, pings and bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	logger.Info("PostgreSQL backend connected")
	return &Postgres{pool: pool, logger: logger}, nil
}

// Save replaces the stored snapshot in one transaction.
func (p *Postgres) Save(ctx context.Context, nodes []*memory.MemoryNode, edges []*memory.MemoryEdge) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return unavailable("pg begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE memory_nodes, memory_edges`); err != nil {
		return unavailable("pg truncate", err)
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(`
			INSERT INTO memory_nodes
				(id, content, metadata, embedding, recency_weight, access_count, created_at, last_accessed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID, n.Content, n.Metadata, n.Embedding,
			n.RecencyWeight, n.AccessCount, n.CreatedAt, n.LastAccessedAt)
	}
	for _, e := range edges {
		batch.Queue(`
			INSERT INTO memory_edges (source, target, kind, weight, last_reinforced_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.Source, e.Target, e.Kind, e.Weight, e.LastReinforcedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("pg write snapshot", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("pg commit", err)
	}
	return nil
}

// Load reads the full snapshot.
func (p *Postgres) Load(ctx context.Context) ([]*memory.MemoryNode, []*memory.MemoryEdge, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, content, metadata, embedding, recency_weight, access_count, created_at, last_accessed_at
		FROM memory_nodes`)
	if err != nil {
		return nil, nil, unavailable("pg load nodes", err)
	}
	defer rows.Close()

	var nodes []*memory.MemoryNode
	for rows.Next() {
		n := &memory.MemoryNode{Tier: memory.TierLongTerm}
		if err := rows.Scan(&n.ID, &n.Content, &n.Metadata, &n.Embedding,
			&n.RecencyWeight, &n.AccessCount, &n.CreatedAt, &n.LastAccessedAt); err != nil {
			return nil, nil, unavailable("pg scan node", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, unavailable("pg load nodes", err)
	}

	erows, err := p.pool.Query(ctx, `
		SELECT source, target, kind, weight, last_reinforced_at FROM memory_edges`)
	if err != nil {
		return nil, nil, unavailable("pg load edges", err)
	}
	defer erows.Close()

	var edges []*memory.MemoryEdge
	for erows.Next() {
		e := &memory.MemoryEdge{}
		if err := erows.Scan(&e.Source, &e.Target, &e.Kind, &e.Weight, &e.LastReinforcedAt); err != nil {
			return nil, nil, unavailable("pg scan edge", err)
		}
		edges = append(edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, nil, unavailable("pg load edges", err)
	}

	p.logger.Info("snapshot loaded from PostgreSQL",
		zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
	return nodes, edges, nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
