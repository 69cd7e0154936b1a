package task

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feedkeeper/internal/database"
)

// Scheduler runs the periodic refresh sweep over every feed with at
// least one active subscriber.
type Scheduler struct {
	orch     *Orchestrator
	db       database.Store
	interval time.Duration
	parallel int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. parallel bounds how many feeds
// refresh concurrently; refreshes of the same feed are already
// serialized by the orchestrator.
func NewScheduler(orch *Orchestrator, db database.Store, interval time.Duration, parallel int) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	return &Scheduler{
		orch:     orch,
		db:       db,
		interval: interval,
		parallel: parallel,
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopChan:
				return
			case <-time.After(s.interval):
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.RefreshAll(ctx)
			cancel()
		}
	}()
	log.Printf("Scheduler started (interval: %s, parallel: %d)", s.interval, s.parallel)
}

// Stop stops the sweep loop gracefully.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// RefreshAll runs one sweep: every followed feed is refreshed, feeds
// with a TTL hint are skipped while the hint is still fresh, and a
// durable failure notifies all active subscribers of the feed.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	feeds, err := s.db.FeedsWithActiveSubscribers()
	if err != nil {
		log.Printf("Scheduler: listing feeds failed: %v", err)
		return
	}
	if len(feeds) == 0 {
		return
	}
	log.Printf("Scheduler: refreshing %d feeds", len(feeds))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, f := range feeds {
		f := f
		if f.TTLMinutes > 0 && !f.LastFetched.IsZero() {
			if time.Since(f.LastFetched) < time.Duration(f.TTLMinutes)*time.Minute {
				continue
			}
		}
		g.Go(func() error {
			subscribers, err := s.db.ActiveSubscribers(f.ID)
			if err != nil {
				log.Printf("Scheduler: subscribers for feed %d: %v", f.ID, err)
				return nil
			}
			if len(subscribers) == 0 {
				return nil
			}
			if err := s.orch.updateFeed(ctx, f.ID, subscribers); err != nil {
				log.Printf("Scheduler: refresh of feed %d failed: %v", f.ID, err)
			}
			return nil
		})
	}
	g.Wait()
}
