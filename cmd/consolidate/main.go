// One-shot nightly maintenance runner: synthesizes dirty descriptions, purges
// expired notes and applies the decay pass. The daemon runs the same pass on a
// schedule; this binary exists for cron setups and manual reruns.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/consolidate"
	"github.com/calder/mnemo/internal/embedding"
	"github.com/calder/mnemo/internal/store"
)

func main() {
	stateDir := flag.String("state", "", "Path to state directory (overrides STATE_PATH)")
	dryRun := flag.Bool("dry-run", false, "Print store stats without consolidating")
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

	stats, err := gs.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to get stats: %v", err)
	}
	log.Printf("Current state:")
	for kind, n := range stats {
		log.Printf("  %s: %d", kind, n)
	}
	if *dryRun {
		log.Printf("Dry run, stopping here")
		return
	}

	oracle := embedding.NewClient(cfg.OllamaURL, cfg.EmbedModel)
	oracle.SetGenerationModel(cfg.GenModel)

	sched := consolidate.NewScheduler(gs, oracle, oracle, cfg.Tunables)
	start := time.Now()
	runStats, err := sched.Run(ctx)
	if err != nil {
		log.Fatalf("Consolidation failed: %v", err)
	}
	log.Printf("Done in %v: %s", time.Since(start).Round(time.Millisecond), runStats)
}
