// Package embedding supplies the vector-generation collaborator. The memory
// engine never calls an embedding model itself; the API layer uses a
// Provider to attach vectors to write requests before they reach the engine.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New returns the provider selected by cfg.Provider, or nil when embedding
// is not configured (callers then require pre-embedded writes).
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "api":
		return NewAPIProvider(cfg)
	case "local":
		return NewLocalProvider(cfg)
	default:
		return nil
	}
}
