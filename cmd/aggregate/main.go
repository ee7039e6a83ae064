// One-shot weekly aggregation runner: promotes storylines from accumulated
// sources and macros from accumulated storylines, then resynthesizes dirty
// group summaries.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/embedding"
	"github.com/calder/mnemo/internal/hierarchy"
	"github.com/calder/mnemo/internal/store"
)

func main() {
	stateDir := flag.String("state", "", "Path to state directory (overrides STATE_PATH)")
	timeout := flag.Duration("timeout", 30*time.Minute, "Abort the run after this long")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *stateDir != "" {
		cfg.StatePath = *stateDir
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gs, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer gs.Close()

	oracle := embedding.NewClient(cfg.OllamaURL, cfg.EmbedModel)
	oracle.SetGenerationModel(cfg.GenModel)

	agg := hierarchy.NewAggregator(gs, oracle, oracle)
	start := time.Now()
	stats, err := agg.Run(ctx)
	if err != nil {
		log.Fatalf("Aggregation failed: %v", err)
	}
	log.Printf("Done in %v: %s", time.Since(start).Round(time.Millisecond), stats)
}
