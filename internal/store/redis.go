package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/memory"
)

const (
	redisNodesKey = "engram:ltm:nodes"
	redisEdgesKey = "engram:ltm:edges"
)

// Redis persists long-term snapshots as JSON values in two Redis hashes,
// the key-value flavor of the persistence contract.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis parses the URL, connects and pings.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis backend connected")
	return &Redis{rdb: rdb, logger: logger}, nil
}

// Save replaces both hashes in one transactional pipeline.
func (r *Redis) Save(ctx context.Context, nodes []*memory.MemoryNode, edges []*memory.MemoryEdge) error {
	nodeFields := make(map[string]interface{}, len(nodes))
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.ID, err)
		}
		nodeFields[n.ID] = data
	}
	edgeFields := make(map[string]interface{}, len(edges))
	for _, e := range edges {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal edge %s: %w", e.Key(), err)
		}
		edgeFields[e.Key()] = data
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, redisNodesKey, redisEdgesKey)
	if len(nodeFields) > 0 {
		pipe.HSet(ctx, redisNodesKey, nodeFields)
	}
	if len(edgeFields) > 0 {
		pipe.HSet(ctx, redisEdgesKey, edgeFields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("redis write snapshot", err)
	}
	return nil
}

// Load reads both hashes back. Entries that fail to decode are skipped with
// a warning rather than poisoning the whole restore.
func (r *Redis) Load(ctx context.Context) ([]*memory.MemoryNode, []*memory.MemoryEdge, error) {
	rawNodes, err := r.rdb.HGetAll(ctx, redisNodesKey).Result()
	if err != nil {
		return nil, nil, unavailable("redis load nodes", err)
	}
	rawEdges, err := r.rdb.HGetAll(ctx, redisEdgesKey).Result()
	if err != nil {
		return nil, nil, unavailable("redis load edges", err)
	}

	nodes := make([]*memory.MemoryNode, 0, len(rawNodes))
	for id, data := range rawNodes {
		n := &memory.MemoryNode{}
		if err := json.Unmarshal([]byte(data), n); err != nil {
			r.logger.Warn("skipping undecodable node", zap.String("id", id), zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	edges := make([]*memory.MemoryEdge, 0, len(rawEdges))
	for key, data := range rawEdges {
		e := &memory.MemoryEdge{}
		if err := json.Unmarshal([]byte(data), e); err != nil {
			r.logger.Warn("skipping undecodable edge", zap.String("key", key), zap.Error(err))
			continue
		}
		edges = append(edges, e)
	}

	r.logger.Info("snapshot loaded from Redis",
		zap.Int("nodes", len(nodes)), zap.Int("edges", len(edges)))
	return nodes, edges, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
