package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/api"
	"github.com/nidhogg/engram/internal/config"
	"github.com/nidhogg/engram/internal/embedding"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/store"
	"github.com/nidhogg/engram/internal/telemetry"
	"github.com/nidhogg/engram/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting engram...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/engram.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	consolidation, prune, err := cfg.Memory.Intervals()
	if err != nil {
		logger.Fatal("invalid memory intervals", zap.Error(err))
	}
	settings := memory.Settings{
		STMCapacity:           cfg.Memory.STMCapacity,
		LTMSoftCapacity:       cfg.Memory.LTMSoftCapacity,
		LTMMinRetain:          cfg.Memory.LTMMinRetain,
		InitialWeight:         cfg.Memory.InitialWeight,
		DecayFactor:           cfg.Memory.DecayFactor,
		ReinforcementGain:     cfg.Memory.ReinforcementGain,
		AccessGain:            cfg.Memory.AccessGain,
		WeightCap:             cfg.Memory.WeightCap,
		Epsilon:               cfg.Memory.Epsilon,
		ConsolidationInterval: consolidation,
		PruneInterval:         prune,
	}

	ctx := context.Background()

	// Initialize persistence backend
	var backend memory.Backend
	var closeBackend func()
	switch cfg.Database.Provider {
	case "postgres":
		pg, perr := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if perr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(perr))
		} else {
			backend = pg
			closeBackend = pg.Close
		}
	case "redis":
		rd, rerr := store.NewRedis(ctx, cfg.Database.Redis.URL, logger)
		if rerr != nil {
			logger.Warn("Redis unavailable, running without persistence", zap.Error(rerr))
		} else {
			backend = rd
			closeBackend = func() { rd.Close() }
		}
	case "neo4j":
		nj, nerr := store.NewNeo4j(ctx, cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if nerr != nil {
			logger.Warn("Neo4j unavailable, running without persistence", zap.Error(nerr))
		} else {
			backend = nj
			closeBackend = func() { nj.Close(ctx) }
		}
	case "":
		logger.Info("no persistence backend configured")
	default:
		logger.Fatal("unknown database provider", zap.String("provider", cfg.Database.Provider))
	}

	// Initialize embedding provider
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if embedder == nil {
		logger.Info("no embedding provider configured, writes must carry vectors")
	}

	// Initialize similarity searcher
	var searcher memory.Searcher
	var closeQdrant func()
	if cfg.Database.Qdrant.Enabled {
		client, qerr := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qerr != nil {
			logger.Warn("Qdrant unavailable, using in-process index", zap.Error(qerr))
		} else {
			dim := uint64(cfg.Embedding.Dimension)
			if embedder != nil && embedder.Dimension() > 0 {
				dim = uint64(embedder.Dimension())
			}
			if dim == 0 {
				dim = 1024
			}
			if cerr := client.EnsureCollection(ctx, cfg.Database.Qdrant.Collection, dim); cerr != nil {
				logger.Fatal("init qdrant collection", zap.Error(cerr))
			}
			searcher = vectorstore.NewQdrantSearcher(client, cfg.Database.Qdrant.Collection)
			closeQdrant = func() { client.Close() }
		}
	}
	if searcher == nil {
		searcher = vectorstore.NewLocalSearcher(vectorstore.NewLocalIndex())
	}

	// Initialize telemetry
	sink := telemetry.New(cfg.Telemetry.Enabled, logger)
	collector, _ := sink.(*telemetry.Collector)

	// Wire the memory engine
	mem := memory.New(settings, backend, searcher, sink, logger)
	if err := mem.Restore(ctx); err != nil {
		logger.Fatal("restore long-term store", zap.Error(err))
	}
	mem.Start()

	// Build HTTP handler
	handler := api.NewHandler(mem, embedder, collector, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("engram listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down engram...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	// Run a final cycle so nothing written since the last tick is lost.
	if err := mem.Consolidate(shutdownCtx); err != nil {
		logger.Warn("final consolidation failed", zap.Error(err))
	}
	mem.Stop()

	if closeQdrant != nil {
		closeQdrant()
	}
	if closeBackend != nil {
		closeBackend()
	}
}
