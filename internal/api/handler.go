// Package api exposes the memory engine over REST.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/engram/internal/embedding"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/telemetry"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	mem      *memory.Memory
	embedder embedding.Provider
	stats    *telemetry.Collector
	logger   *zap.Logger
}

// NewHandler creates a new API handler. embedder and stats may be nil:
// without an embedder, writes must carry their own vectors; without a
// collector, /api/stats reports store sizes only.
func NewHandler(mem *memory.Memory, embedder embedding.Provider, stats *telemetry.Collector, logger *zap.Logger) *Handler {
	return &Handler{mem: mem, embedder: embedder, stats: stats, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/memories", h.createMemory)
		r.Get("/memories/{id}", h.getMemory)
		r.Get("/memories/{id}/neighbors", h.getNeighbors)
		r.Post("/search", h.search)
		r.Post("/consolidate", h.consolidate)
		r.Get("/stats", h.getStats)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "engram"})
}

type relationRequest struct {
	Target string `json:"target"`
	Kind   string `json:"kind,omitempty"`
}

type createMemoryRequest struct {
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	Relations []relationRequest `json:"relations,omitempty"`
}

func (h *Handler) createMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	vector := req.Embedding
	if len(vector) == 0 && h.embedder != nil {
		vectors, err := h.embedder.Embed(r.Context(), []string{req.Content})
		if err != nil {
			h.logger.Warn("embedding failed, storing without vector", zap.Error(err))
		} else if len(vectors) > 0 {
			vector = vectors[0]
		}
	}

	node := &memory.MemoryNode{
		Content:   req.Content,
		Metadata:  req.Metadata,
		Embedding: vector,
	}
	edges := make([]*memory.MemoryEdge, 0, len(req.Relations))
	for _, rel := range req.Relations {
		// Source is filled in by the store with the new node's identity.
		edges = append(edges, &memory.MemoryEdge{Target: rel.Target, Kind: rel.Kind})
	}

	id, err := h.mem.Add(r.Context(), node, edges)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, err := h.mem.Get(id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *Handler) getNeighbors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	edges, err := h.mem.Neighbors(id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

type searchRequest struct {
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	K         int       `json:"k,omitempty"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	vector := req.Embedding
	if len(vector) == 0 {
		if req.Query == "" || h.embedder == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "embedding or query is required"})
			return
		}
		vectors, err := h.embedder.Embed(r.Context(), []string{req.Query})
		if err != nil || len(vectors) == 0 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "embedding query failed"})
			return
		}
		vector = vectors[0]
	}

	results, err := h.mem.Search(r.Context(), vector, req.K)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) consolidate(w http.ResponseWriter, r *http.Request) {
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		h.mem.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
		return
	}
	if err := h.mem.Consolidate(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.mem.Stats())
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"stores": h.mem.Stats()}
	if h.stats != nil {
		resp["telemetry"] = h.stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
