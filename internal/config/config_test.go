package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_ENGRAM_PORT", "9090")
	t.Setenv("TEST_ENGRAM_DSN", "postgres://user:pass@db/engram")

	path := writeConfig(t, `{
		"server": {"port": ${TEST_ENGRAM_PORT:8080}},
		"database": {
			"provider": "postgres",
			"postgres": {"dsn": "${TEST_ENGRAM_DSN:}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("got port %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Postgres.DSN != "postgres://user:pass@db/engram" {
		t.Errorf("got dsn %q", cfg.Database.Postgres.DSN)
	}
}

func TestLoadUsesDefaultsForUnsetVars(t *testing.T) {
	os.Unsetenv("TEST_ENGRAM_UNSET")
	path := writeConfig(t, `{
		"server": {"log_level": "${TEST_ENGRAM_UNSET:debug}"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("got log level %q, want debug", cfg.Server.LogLevel)
	}
	// Unspecified fields still pick up the built-in defaults.
	if cfg.Server.Port != 8080 {
		t.Errorf("got port %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Database.Qdrant.Collection != "memories" {
		t.Errorf("got collection %q, want memories", cfg.Database.Qdrant.Collection)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestMemoryIntervals(t *testing.T) {
	m := MemoryConfig{ConsolidationInterval: "5m", PruneInterval: "1h30m"}
	consolidation, prune, err := m.Intervals()
	if err != nil {
		t.Fatalf("intervals: %v", err)
	}
	if consolidation != 5*time.Minute {
		t.Errorf("got %v, want 5m", consolidation)
	}
	if prune != 90*time.Minute {
		t.Errorf("got %v, want 1h30m", prune)
	}

	// Empty strings mean "use the engine default".
	consolidation, prune, err = MemoryConfig{}.Intervals()
	if err != nil || consolidation != 0 || prune != 0 {
		t.Errorf("got %v, %v, %v, want zeros and no error", consolidation, prune, err)
	}

	if _, _, err := (MemoryConfig{ConsolidationInterval: "soon"}).Intervals(); err == nil {
		t.Error("expected an error for a malformed duration")
	}
}
