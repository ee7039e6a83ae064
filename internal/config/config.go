// Package config loads runtime configuration: connection settings from the
// environment (with an optional .env file) and engine tunables from an
// optional mnemo.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/calder/mnemo/internal/logging"
	"github.com/calder/mnemo/internal/memory"
)

// Config is everything the binaries need to wire up.
type Config struct {
	// StatePath is the root directory for local state (SQLite db, logs).
	StatePath string

	// Backend selects the graph store: "sqlite" (default) or "neo4j".
	Backend string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Ollama endpoint and models for embeddings and synthesis.
	OllamaURL  string
	EmbedModel string
	GenModel   string

	// DefaultUserID scopes single-user deployments.
	DefaultUserID string

	Tunables memory.Tunables
}

// Load reads the environment (after an optional .env) and the tunables file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logging.Info("config", "loaded .env file")
	}

	cfg := &Config{
		StatePath:     envOr("STATE_PATH", "state"),
		Backend:       envOr("MNEMO_BACKEND", "sqlite"),
		Neo4jURI:      envOr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     envOr("NEO4J_USER", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:    envOr("EMBED_MODEL", "nomic-embed-text"),
		GenModel:      envOr("GEN_MODEL", "llama3.2"),
		DefaultUserID: envOr("MNEMO_USER_ID", "default"),
		Tunables:      memory.DefaultTunables(),
	}

	if cfg.Backend != "sqlite" && cfg.Backend != "neo4j" {
		return nil, fmt.Errorf("unknown MNEMO_BACKEND %q (want sqlite or neo4j)", cfg.Backend)
	}
	if cfg.Backend == "neo4j" && cfg.Neo4jPassword == "" {
		return nil, fmt.Errorf("NEO4J_PASSWORD required with MNEMO_BACKEND=neo4j")
	}

	path := envOr("MNEMO_TUNABLES", "mnemo.yaml")
	tun, err := LoadTunables(path)
	if err != nil {
		return nil, err
	}
	cfg.Tunables = tun
	return cfg, nil
}

// LoadTunables reads engine tunables from a YAML file. A missing file yields
// the defaults; a malformed one is an error.
func LoadTunables(path string) (memory.Tunables, error) {
	tun := memory.DefaultTunables()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tun, nil
	}
	if err != nil {
		return tun, fmt.Errorf("read tunables: %w", err)
	}
	if err := yaml.Unmarshal(data, &tun); err != nil {
		return tun, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := tun.Validate(); err != nil {
		return tun, fmt.Errorf("%s: %w", path, err)
	}
	logging.Info("config", "loaded tunables from %s", path)
	return tun, nil
}

// NightlyAt returns the next occurrence of the given local hour, for the
// daemon's consolidation schedule.
func NightlyAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
