// Package store selects and opens a GraphStore backend.
package store

import (
	"context"
	"fmt"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/memory"
	neo4jstore "github.com/calder/mnemo/internal/store/neo4j"
	"github.com/calder/mnemo/internal/store/sqlite"
)

// Open returns the configured backend's GraphStore.
func Open(ctx context.Context, cfg *config.Config) (memory.GraphStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.Open(cfg.StatePath)
	case "neo4j":
		return neo4jstore.Open(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
