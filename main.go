package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"feedkeeper/internal/config"
	"feedkeeper/internal/database"
	"feedkeeper/internal/feed"
	"feedkeeper/internal/server"
	"feedkeeper/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	var db database.Store
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		db, err = database.NewPostgres(cfg.DatabaseURL)
	} else {
		db, err = database.New(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatalf("Database error: %v", err)
	}
	defer db.Close()
	log.Printf("Using %s database", db.DatabaseType())

	fetcher := feed.NewFetcher(cfg.FetchTimeout, cfg.UserAgent)

	orch := task.New(db, fetcher, task.Options{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		QueueSize:   cfg.QueueSize,
		JobTimeout:  cfg.JobTimeout,
	})
	orch.Start(cfg.Workers)
	defer orch.Stop()

	parallel := cfg.Workers
	if !db.SupportsHighConcurrency() {
		parallel = 1
	}
	scheduler := task.NewScheduler(orch, db, cfg.PollInterval, parallel)
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(db, orch)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.Addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errChan:
		// Return instead of log.Fatal so the deferred teardown runs.
		log.Printf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Shutdown error: %v", err)
		}
	}
}
