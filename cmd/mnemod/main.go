// mnemod is the long-running memory daemon. It bootstraps the owner node,
// then runs the nightly consolidation pass and the weekly hierarchy
// aggregation on a schedule until signalled to stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/consolidate"
	"github.com/calder/mnemo/internal/embedding"
	"github.com/calder/mnemo/internal/hierarchy"
	"github.com/calder/mnemo/internal/memory"
	"github.com/calder/mnemo/internal/store"
)

func main() {
	log.Println("mnemod - knowledge graph memory daemon")
	log.Println("======================================")

	nightlyHour := flag.Int("nightly-hour", 3, "Local hour for the nightly consolidation pass")
	weeklyDay := flag.String("weekly-day", "Sunday", "Weekday for the hierarchy aggregation pass")
	runNow := flag.Bool("run-now", false, "Run both passes immediately on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer gs.Close()

	client := embedding.NewClient(cfg.OllamaURL, cfg.EmbedModel)
	client.SetGenerationModel(cfg.GenModel)

	mgr := memory.NewManager(gs, client, cfg.Tunables)
	if ownerName := os.Getenv("MNEMO_OWNER_NAME"); ownerName != "" {
		owner, err := mgr.FindOrCreateOwner(ctx, cfg.DefaultUserID, ownerName)
		if err != nil {
			log.Fatalf("Failed to bootstrap owner: %v", err)
		}
		log.Printf("[main] Owner: %s (%s)", owner.Name, owner.EntityKey)
	}

	sched := consolidate.NewScheduler(gs, client, client, cfg.Tunables)
	agg := hierarchy.NewAggregator(gs, client, client)

	nightly := func() {
		runCtx, done := context.WithTimeout(ctx, 30*time.Minute)
		defer done()
		stats, err := sched.Run(runCtx)
		if err != nil {
			log.Printf("[main] Nightly pass failed: %v", err)
			return
		}
		log.Printf("[main] Nightly pass: %s", stats)
	}
	weekly := func() {
		runCtx, done := context.WithTimeout(ctx, 30*time.Minute)
		defer done()
		stats, err := agg.Run(runCtx)
		if err != nil {
			log.Printf("[main] Weekly pass failed: %v", err)
			return
		}
		log.Printf("[main] Weekly pass: %s", stats)
	}

	if *runNow {
		nightly()
		weekly()
	}

	stop := make(chan struct{})
	go scheduleLoop(stop, *nightlyHour, *weeklyDay, nightly, weekly)

	log.Println("[main] Daemon started. Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[main] Shutting down...")
	close(stop)
	cancel()
}

// scheduleLoop fires the nightly pass at the given hour every day, and the
// weekly pass right after it on the given weekday.
func scheduleLoop(stop <-chan struct{}, nightlyHour int, weeklyDay string, nightly, weekly func()) {
	for {
		next := config.NightlyAt(time.Now(), nightlyHour)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		nightly()
		if time.Now().Weekday().String() == weeklyDay {
			weekly()
		}
	}
}
