package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Memory    MemoryConfig    `json:"memory"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// MemoryConfig carries the engine tuning knobs. Durations are Go duration
// strings ("5m", "1h30m"). Zero values fall back to engine defaults.
type MemoryConfig struct {
	STMCapacity           int     `json:"stm_capacity"`
	LTMSoftCapacity       int     `json:"ltm_soft_capacity"`
	LTMMinRetain          int     `json:"ltm_min_retain"`
	InitialWeight         float64 `json:"initial_weight"`
	DecayFactor           float64 `json:"decay_factor"`
	ReinforcementGain     float64 `json:"reinforcement_gain"`
	AccessGain            float64 `json:"access_gain"`
	WeightCap             float64 `json:"weight_cap"`
	Epsilon               float64 `json:"epsilon"`
	ConsolidationInterval string  `json:"consolidation_interval"`
	PruneInterval         string  `json:"prune_interval"`
}

// Intervals parses the duration fields, returning zero for empty strings so
// engine defaults apply.
func (m MemoryConfig) Intervals() (consolidation, prune time.Duration, err error) {
	if m.ConsolidationInterval != "" {
		consolidation, err = time.ParseDuration(m.ConsolidationInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("parse consolidation_interval: %w", err)
		}
	}
	if m.PruneInterval != "" {
		prune, err = time.ParseDuration(m.PruneInterval)
		if err != nil {
			return 0, 0, fmt.Errorf("parse prune_interval: %w", err)
		}
	}
	return consolidation, prune, nil
}

type DatabaseConfig struct {
	// Provider selects the long-term persistence backend:
	// "postgres", "redis", "neo4j" or "" for none.
	Provider string         `json:"provider"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type QdrantConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api", "local" or "" for none
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
}
