// Package ingest reconciles freshly parsed entries with stored state.
package ingest

import (
	"context"
	"fmt"
	"time"

	"feedkeeper/internal/database"
	"feedkeeper/internal/feed"
	"feedkeeper/internal/model"
)

// Result summarizes one reconciliation.
type Result struct {
	Inserted int
	Skipped  int
}

// ReconcileError reports a storage failure during reconciliation.
type ReconcileError struct {
	FeedID int64
	Err    error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile feed %d: %v", e.FeedID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Engine is the deduplication and upsert engine. Reconciliation is
// idempotent: running it twice over the same parsed document inserts
// each qualifying entry at most once.
type Engine struct {
	db database.Store
}

// NewEngine creates an engine over the given store.
func NewEngine(db database.Store) *Engine {
	return &Engine{db: db}
}

// Reconcile filters parsed entries against the feed's stored
// (title, link, published) key set and persists the new ones in a
// single atomic batch together with the feed metadata update, so a
// crash can never mark the feed up to date while dropping entries.
// A nil meta leaves the feed row untouched.
func (e *Engine) Reconcile(ctx context.Context, feedID int64, parsed *feed.ParsedFeed, meta *model.FeedMeta) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &ReconcileError{FeedID: feedID, Err: err}
	}

	existing, err := e.db.EntryKeys(feedID)
	if err != nil {
		return Result{}, &ReconcileError{FeedID: feedID, Err: err}
	}

	now := time.Now().UTC()
	var fresh []model.Entry
	skipped := 0
	for _, pe := range parsed.Entries {
		entry := model.Entry{
			FeedID:      feedID,
			Title:       pe.Title,
			Link:        pe.Link,
			Description: pe.Summary,
			PublishedAt: pe.PublishedAt,
			CreatedAt:   now,
		}
		key := entry.Key()
		if _, ok := existing[key]; ok {
			skipped++
			continue
		}
		// Documents occasionally repeat an item; count it once.
		existing[key] = struct{}{}
		fresh = append(fresh, entry)
	}

	inserted, err := e.db.InsertEntries(feedID, fresh, meta)
	if err != nil {
		return Result{}, &ReconcileError{FeedID: feedID, Err: err}
	}
	// The unique constraint is the backstop against a concurrent
	// insert between the key-set read and the batch.
	skipped += len(fresh) - inserted
	return Result{Inserted: inserted, Skipped: skipped}, nil
}
