// Package database provides storage backends for the feed reader.
package database

import (
	"errors"

	"feedkeeper/internal/model"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("database: not found")

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Feed operations
	GetOrCreateFeed(f *model.Feed) (int64, bool, error)
	GetFeedByID(feedID int64) (*model.Feed, error)
	GetFeedByTitle(title string) (*model.Feed, error)
	GetAllFeeds() ([]model.Feed, error)

	// Entry operations. InsertEntries persists a batch of entries and
	// the feed metadata update in one transaction; a nil meta leaves
	// the feed row untouched. Duplicate keys are skipped by the
	// storage-level unique constraint.
	EntryKeys(feedID int64) (map[model.EntryKey]struct{}, error)
	InsertEntries(feedID int64, entries []model.Entry, meta *model.FeedMeta) (int, error)
	GetEntry(entryID int64) (*model.Entry, error)
	GetEntries(feedID int64) ([]model.Entry, error)
	CountEntries(feedID int64) (int, error)
	EntriesForUser(feedID, userID int64) ([]model.AnnotatedEntry, error)

	// Subscription operations. CreateSubscription is a no-op on an
	// existing (user, feed) pair and reports whether a row was created.
	CreateSubscription(userID, feedID int64, alias string) (bool, error)
	GetSubscription(userID, feedID int64) (*model.Subscription, error)
	SetSubscriptionState(userID, feedID int64, state model.State) error
	FollowedFeeds(userID int64) ([]model.FeedSummary, error)
	UnfollowedFeeds(userID int64) ([]model.Feed, error)
	ActiveSubscribers(feedID int64) ([]int64, error)
	FeedsWithActiveSubscribers() ([]model.Feed, error)

	// Entry relation operations
	MarkEntry(userID, entryID int64, kind model.RelKind, content string) error
	UnmarkFavorite(userID, entryID int64) error

	// Notification operations. CreateNotification deduplicates on
	// (user, content) among unread rows and reports whether a row was
	// created.
	CreateNotification(userID int64, content string) (bool, error)
	UnreadNotifications(userID int64) ([]model.Notification, error)
	MarkNotificationsRead(notificationIDs []int64) error
}
