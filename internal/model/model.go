// Package model defines shared data structures.
package model

import "time"

// Feed represents a remote RSS/Atom syndication source. Title is the
// natural key: two URLs that resolve to the same document title map to
// the same feed row.
type Feed struct {
	ID            int64
	Title         string
	URL           string // the feed document URL, refetched on refresh
	Link          string // canonical site link from the document
	Description   string
	TTLMinutes    int // refresh hint from the document, 0 = none
	LastBuildDate time.Time
	ETag          string
	LastModified  string
	LastFetched   time.Time
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// FeedMeta is the slice of feed state rewritten by a refresh: the
// last-build timestamp and the cache validators for the next
// conditional fetch.
type FeedMeta struct {
	TTLMinutes    int
	LastBuildDate time.Time
	ETag          string
	LastModified  string
	FetchedAt     time.Time
}

// Entry is one article belonging to a feed. Entries are append-only
// from the ingestion pipeline's perspective.
type Entry struct {
	ID          int64
	FeedID      int64
	Title       string
	Link        string
	Description string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// EntryKey is the deduplication triple. Two entries with the same key
// are the same entry regardless of description.
type EntryKey struct {
	Title     string
	Link      string
	Published int64 // unix seconds, UTC
}

// Key returns the entry's deduplication key.
func (e Entry) Key() EntryKey {
	return EntryKey{Title: e.Title, Link: e.Link, Published: e.PublishedAt.UTC().Unix()}
}

// State reports whether a soft-disabled row is active.
type State int

const (
	StateActive State = iota
	StateInactive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Subscription links a user to a feed. Unfollowing sets DisabledAt
// instead of deleting the row.
type Subscription struct {
	ID         int64
	UserID     int64
	FeedID     int64
	Alias      string // optional per-user display name
	DisabledAt *time.Time
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// State returns StateActive when the subscription is followed.
func (s Subscription) State() State {
	if s.DisabledAt == nil {
		return StateActive
	}
	return StateInactive
}

// RelKind tags a user's relation to an entry.
type RelKind string

const (
	RelRead     RelKind = "read"
	RelFavorite RelKind = "favorite"
	RelComment  RelKind = "comment"
	// RelUnfavorite is accepted at the API boundary but stored as a
	// soft-disabled favorite row, never as its own kind.
	RelUnfavorite RelKind = "unfavorite"
)

// Valid reports whether k is a kind accepted from callers.
func (k RelKind) Valid() bool {
	switch k {
	case RelRead, RelFavorite, RelComment, RelUnfavorite:
		return true
	}
	return false
}

// EntryRelation records a read/favorite/comment mark on an entry.
type EntryRelation struct {
	ID         int64
	UserID     int64
	EntryID    int64
	Kind       RelKind
	Content    string // comment text, empty for other kinds
	DisabledAt *time.Time
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// State returns StateActive when the relation has not been soft-disabled.
func (r EntryRelation) State() State {
	if r.DisabledAt == nil {
		return StateActive
	}
	return StateInactive
}

// Notification is an asynchronous message to a user, created when a
// scheduled feed refresh durably fails.
type Notification struct {
	ID        int64
	UserID    int64
	Content   string
	Read      bool
	CreatedAt time.Time
}

// FeedSummary is a feed annotated with per-user listing data.
type FeedSummary struct {
	Feed
	Alias       string
	EntryCount  int
	UnreadCount int
}

// AnnotatedEntry is an entry annotated with one user's relations.
type AnnotatedEntry struct {
	Entry
	Read     bool
	Favorite bool
	Comment  string
}
