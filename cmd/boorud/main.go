package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mkrull/boorud/internal/adapter/board"
	"github.com/mkrull/boorud/internal/adapter/fetcher"
	httpAdapter "github.com/mkrull/boorud/internal/adapter/http"
	"github.com/mkrull/boorud/internal/adapter/sqlite"
	"github.com/mkrull/boorud/internal/adapter/tagger"
	"github.com/mkrull/boorud/internal/config"
	"github.com/mkrull/boorud/internal/domain"
	"github.com/mkrull/boorud/internal/events"
	"github.com/mkrull/boorud/internal/scheduler"
	"github.com/mkrull/boorud/internal/worker"
)

func main() {
	cfg := config.Load()

	log.Printf("starting boorud on port %d", cfg.Port)
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("work dir: %s", cfg.WorkDir)

	store, err := config.NewStore(cfg.ConfigFile)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer repo.Close()

	broker := events.NewBroker()
	svc := domain.NewJobService(repo, broker)

	// Re-queue jobs stranded mid-stage by an unclean shutdown.
	if recovered, err := svc.RecoverStale(context.Background()); err != nil {
		log.Printf("warning: failed to recover stale jobs: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d stale jobs", recovered)
	}

	registry, err := fetcher.NewRegistry(store.Fetchers())
	if err != nil {
		log.Fatalf("invalid fetcher config: %v", err)
	}

	pool := worker.New(
		svc,
		fetcher.New(registry),
		tagger.New(cfg.TaggerURL),
		board.New(cfg.BoardURL, cfg.BoardToken),
		store,
		cfg.Workers,
		cfg.PollInterval,
		cfg.WorkDir,
	)

	sched := scheduler.New(svc, repo, store, cfg.ScanWake)

	addr := fmt.Sprintf(":%d", cfg.Port)
	incomingDir := filepath.Join(cfg.WorkDir, "incoming")
	srv := httpAdapter.NewServer(svc, broker, addr, cfg.APIToken, incomingDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP swaps in a fresh settings snapshot without restart.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := store.Reload(); err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			log.Printf("config reloaded from %s", cfg.ConfigFile)
		}
	}()

	go func() {
		if err := pool.Run(ctx); err != nil {
			log.Printf("worker pool error: %v", err)
		}
	}()
	go sched.Run(ctx)

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("shutdown complete")
}
