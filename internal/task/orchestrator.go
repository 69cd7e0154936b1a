package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedkeeper/internal/database"
	"feedkeeper/internal/feed"
	"feedkeeper/internal/ingest"
	"feedkeeper/internal/model"
)

// Options configure the orchestrator.
type Options struct {
	// MaxAttempts is the total number of executions of a unit of work
	// before its failure is treated as durable.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// QueueSize bounds the fire-and-forget job queue.
	QueueSize int
	// JobTimeout bounds one unit of work end to end; an expired unit
	// is abandoned and eligible for the next schedule tick.
	JobTimeout time.Duration
}

// Orchestrator executes the four ingestion units of work, each as a
// fetch+parse+reconcile whole that is retried in full on failure.
// Units for the same feed are mutually exclusive; units for different
// feeds run in parallel.
type Orchestrator struct {
	db      database.Store
	fetcher *feed.Fetcher
	parser  *feed.Parser
	engine  *ingest.Engine
	locks   *feedLocks
	opts    Options

	jobs     chan Job
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an orchestrator over the given store and fetcher.
func New(db database.Store, fetcher *feed.Fetcher, opts Options) *Orchestrator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		db:       db,
		fetcher:  fetcher,
		parser:   feed.NewParser(),
		engine:   ingest.NewEngine(db),
		locks:    newFeedLocks(),
		opts:     opts,
		jobs:     make(chan Job, opts.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// retry executes fn up to MaxAttempts times, re-running the whole unit
// each attempt, and wraps the final cause in an *OpError.
func (o *Orchestrator) retry(ctx context.Context, op Op, fn func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(o.opts.RetryDelay), uint64(o.opts.MaxAttempts-1))
	if err := backoff.Retry(fn, backoff.WithContext(bo, ctx)); err != nil {
		return &OpError{Op: op, Err: err}
	}
	return nil
}

// ParseFeed fetches and parses a brand-new feed URL. The feed row is
// created idempotently on title; the requesting user is subscribed
// either way, and the entry history is seeded only when the row is new.
func (o *Orchestrator) ParseFeed(ctx context.Context, url, alias string, userID int64) error {
	var feedID int64
	var created bool
	err := o.retry(ctx, OpParseFeed, func() error {
		res, err := o.fetcher.Fetch(ctx, url, feed.Validators{})
		if err != nil {
			return err
		}
		parsed, err := o.parser.Parse(res.Body)
		if err != nil {
			return err
		}
		id, isNew, err := o.db.GetOrCreateFeed(&model.Feed{
			Title:         parsed.Title,
			URL:           url,
			Link:          parsed.Link,
			Description:   parsed.Description,
			TTLMinutes:    parsed.TTLMinutes,
			LastBuildDate: parsed.LastBuildDate,
			ETag:          res.Validators.ETag,
			LastModified:  res.Validators.LastModified,
		})
		if err != nil {
			return err
		}
		feedID, created = id, isNew
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.followFeed(ctx, feedID, userID, alias); err != nil {
		return err
	}
	if created {
		return o.ParseEntries(ctx, url, feedID)
	}
	return nil
}

// FollowFeed subscribes a user to an existing feed. An existing
// subscription row, active or disabled, is left untouched.
func (o *Orchestrator) FollowFeed(ctx context.Context, feedID, userID int64) error {
	return o.followFeed(ctx, feedID, userID, "")
}

func (o *Orchestrator) followFeed(ctx context.Context, feedID, userID int64, alias string) error {
	return o.retry(ctx, OpFollowFeed, func() error {
		if _, err := o.db.GetFeedByID(feedID); err != nil {
			return &FollowError{FeedID: feedID, UserID: userID, Err: err}
		}
		created, err := o.db.CreateSubscription(userID, feedID, alias)
		if err != nil {
			return &FollowError{FeedID: feedID, UserID: userID, Err: err}
		}
		if created {
			log.Printf("User %d now follows feed %d", userID, feedID)
		}
		return nil
	})
}

// ParseEntries fetches, parses and bulk-inserts the entry history of a
// newly created feed. The reconcile step makes re-runs idempotent.
func (o *Orchestrator) ParseEntries(ctx context.Context, url string, feedID int64) error {
	if err := o.locks.acquire(ctx, feedID); err != nil {
		return &OpError{Op: OpParseEntries, Err: err}
	}
	defer o.locks.release(feedID)

	return o.retry(ctx, OpParseEntries, func() error {
		res, err := o.fetcher.Fetch(ctx, url, feed.Validators{})
		if err != nil {
			return err
		}
		parsed, err := o.parser.Parse(res.Body)
		if err != nil {
			return err
		}
		result, err := o.engine.Reconcile(ctx, feedID, parsed, &model.FeedMeta{
			TTLMinutes:    parsed.TTLMinutes,
			LastBuildDate: parsed.LastBuildDate,
			ETag:          res.Validators.ETag,
			LastModified:  res.Validators.LastModified,
			FetchedAt:     time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		log.Printf("Seeded feed %d with %d entries (%d skipped)", feedID, result.Inserted, result.Skipped)
		return nil
	})
}

// UpdateFeed is the periodic refresh path: a conditional fetch that
// no-ops on "not modified" and otherwise reconciles incrementally.
// When retries exhaust, the user is informed through exactly one
// unread notification instead of a synchronous error alone.
func (o *Orchestrator) UpdateFeed(ctx context.Context, feedID, userID int64) error {
	return o.updateFeed(ctx, feedID, []int64{userID})
}

func (o *Orchestrator) updateFeed(ctx context.Context, feedID int64, notifyUsers []int64) error {
	if err := o.locks.acquire(ctx, feedID); err != nil {
		return &OpError{Op: OpUpdateFeed, Err: err}
	}
	defer o.locks.release(feedID)

	err := o.retry(ctx, OpUpdateFeed, func() error {
		return o.refreshFeed(ctx, feedID)
	})
	if err != nil {
		// An abandoned unit (cancelled or out of time) is picked up
		// again on a later tick; only an exhausted retry budget is a
		// durable failure worth telling the user about.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			o.notifyUpdateFailure(feedID, notifyUsers)
		}
		return err
	}
	return nil
}

// refreshFeed is one refresh attempt, executed whole on every retry.
func (o *Orchestrator) refreshFeed(ctx context.Context, feedID int64) error {
	f, err := o.db.GetFeedByID(feedID)
	if err != nil {
		return err
	}
	res, err := o.fetcher.Fetch(ctx, f.URL, feed.Validators{ETag: f.ETag, LastModified: f.LastModified})
	if err != nil {
		return err
	}
	if res.Status == feed.StatusNotModified {
		log.Printf("Feed %d not modified, skipping", feedID)
		return nil
	}
	parsed, err := o.parser.Parse(res.Body)
	if err != nil {
		return err
	}
	result, err := o.engine.Reconcile(ctx, feedID, parsed, &model.FeedMeta{
		TTLMinutes:    parsed.TTLMinutes,
		LastBuildDate: parsed.LastBuildDate,
		ETag:          res.Validators.ETag,
		LastModified:  res.Validators.LastModified,
		FetchedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if result.Inserted > 0 {
		log.Printf("Feed %d refreshed: %d new entries (%d skipped)", feedID, result.Inserted, result.Skipped)
	}
	return nil
}

// notifyUpdateFailure creates one unread notification per user. The
// content is stable for a failure episode so creation deduplicates.
func (o *Orchestrator) notifyUpdateFailure(feedID int64, userIDs []int64) {
	name := fmt.Sprintf("#%d", feedID)
	if f, err := o.db.GetFeedByID(feedID); err == nil {
		name = fmt.Sprintf("%q", f.Title)
	}
	content := fmt.Sprintf("Feed %s could not be refreshed.", name)
	for _, userID := range userIDs {
		created, err := o.db.CreateNotification(userID, content)
		if err != nil {
			log.Printf("Error creating notification for user %d: %v", userID, err)
			continue
		}
		if created {
			log.Printf("Notified user %d: %s", userID, content)
		}
	}
}

// --- Queue ---

// Enqueue hands a job to the worker pool without waiting for its
// completion. It fails only when the queue is full.
func (o *Orchestrator) Enqueue(job Job) error {
	select {
	case o.jobs <- job:
		return nil
	default:
		return fmt.Errorf("enqueue %s: queue full", job.Op)
	}
}

// Execute runs a single job synchronously.
func (o *Orchestrator) Execute(ctx context.Context, job Job) error {
	switch job.Op {
	case OpParseFeed:
		return o.ParseFeed(ctx, job.URL, job.Alias, job.UserID)
	case OpFollowFeed:
		return o.FollowFeed(ctx, job.FeedID, job.UserID)
	case OpParseEntries:
		return o.ParseEntries(ctx, job.URL, job.FeedID)
	case OpUpdateFeed:
		return o.UpdateFeed(ctx, job.FeedID, job.UserID)
	}
	return fmt.Errorf("execute: unknown op %q", job.Op)
}

// Start launches the worker pool.
func (o *Orchestrator) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	log.Printf("Orchestrator started with %d workers", workers)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopChan:
			return
		case job := <-o.jobs:
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.JobTimeout)
			if err := o.Execute(ctx, job); err != nil {
				log.Printf("Job %s (%s) failed: %v", job.ID, job.Op, err)
			}
			cancel()
		}
	}
}

// Stop stops the workers. Queued jobs that have not started are
// dropped; redelivery is the scheduler's concern.
func (o *Orchestrator) Stop() {
	close(o.stopChan)
	o.wg.Wait()
}
