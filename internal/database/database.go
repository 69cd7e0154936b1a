// Package database provides SQLite storage for the feed reader.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feedkeeper/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite due to write locking.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		ttl_minutes INTEGER NOT NULL DEFAULT 0,
		last_build_date DATETIME,
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT '',
		last_fetched DATETIME,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		link TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		published_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(feed_id, title, link, published_at)
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		alias TEXT NOT NULL DEFAULT '',
		disabled_at DATETIME,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL,
		UNIQUE(user_id, feed_id)
	);
	CREATE TABLE IF NOT EXISTS entry_relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		entry_id INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		disabled_at DATETIME,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL,
		UNIQUE(user_id, entry_id, kind)
	);
	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_feed_id ON entries(feed_id);
	CREATE INDEX IF NOT EXISTS idx_entries_published_at ON entries(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_feed_id ON subscriptions(feed_id);
	CREATE INDEX IF NOT EXISTS idx_relations_entry_id ON entry_relations(entry_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id, read);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Feed Methods ---

// GetOrCreateFeed finds a feed by title, or creates it. Returns the ID
// and whether a new row was created. An existing feed is left untouched.
func (db *DB) GetOrCreateFeed(f *model.Feed) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM feeds WHERE title = ?", f.Title).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		res, err := db.conn.Exec(`
			INSERT INTO feeds (title, url, link, description, ttl_minutes, last_build_date, etag, last_modified, last_fetched, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.Title, f.URL, f.Link, f.Description, f.TTLMinutes, f.LastBuildDate, f.ETag, f.LastModified, now, now, now)
		if err != nil {
			return 0, false, err
		}
		id, err := res.LastInsertId()
		return id, true, err
	}
	return id, false, err
}

// GetFeedByID returns a single feed or ErrNotFound.
func (db *DB) GetFeedByID(feedID int64) (*model.Feed, error) {
	return db.getFeed("SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID)
}

// GetFeedByTitle returns a single feed or ErrNotFound.
func (db *DB) GetFeedByTitle(title string) (*model.Feed, error) {
	return db.getFeed("SELECT "+feedColumns+" FROM feeds WHERE title = ?", title)
}

const feedColumns = "id, title, url, link, description, ttl_minutes, last_build_date, etag, last_modified, last_fetched, created_at, modified_at"

func (db *DB) getFeed(query string, arg interface{}) (*model.Feed, error) {
	f, err := scanFeed(db.conn.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetAllFeeds returns every feed ordered by title.
func (db *DB) GetAllFeeds() ([]model.Feed, error) {
	rows, err := db.conn.Query("SELECT " + feedColumns + " FROM feeds ORDER BY title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeeds(rows)
}

// --- Entry Methods ---

// EntryKeys returns the deduplication key set for a feed.
func (db *DB) EntryKeys(feedID int64) (map[model.EntryKey]struct{}, error) {
	rows, err := db.conn.Query("SELECT title, link, published_at FROM entries WHERE feed_id = ?", feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make(map[model.EntryKey]struct{})
	for rows.Next() {
		var title, link string
		var published time.Time
		if err := rows.Scan(&title, &link, &published); err != nil {
			return nil, err
		}
		keys[model.EntryKey{Title: title, Link: link, Published: published.UTC().Unix()}] = struct{}{}
	}
	return keys, rows.Err()
}

// InsertEntries inserts a batch of entries and optionally updates the
// feed metadata, all in one transaction. Returns the number of rows
// actually inserted; key conflicts are silently skipped.
func (db *DB) InsertEntries(feedID int64, entries []model.Entry, meta *model.FeedMeta) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO entries (feed_id, title, link, description, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, title, link, published_at) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range entries {
		res, err := stmt.Exec(feedID, e.Title, e.Link, e.Description, e.PublishedAt.UTC(), now)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted++
		}
	}
	if meta != nil {
		_, err = tx.Exec(`
			UPDATE feeds SET ttl_minutes = ?, last_build_date = ?, etag = ?, last_modified = ?, last_fetched = ?, modified_at = ?
			WHERE id = ?`,
			meta.TTLMinutes, meta.LastBuildDate.UTC(), meta.ETag, meta.LastModified, meta.FetchedAt.UTC(), now, feedID)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetEntry returns a single entry or ErrNotFound.
func (db *DB) GetEntry(entryID int64) (*model.Entry, error) {
	var e model.Entry
	err := db.conn.QueryRow(`
		SELECT id, feed_id, title, link, description, published_at, created_at
		FROM entries WHERE id = ?`, entryID).
		Scan(&e.ID, &e.FeedID, &e.Title, &e.Link, &e.Description, &e.PublishedAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntries returns all entries of a feed, newest first.
func (db *DB) GetEntries(feedID int64) ([]model.Entry, error) {
	rows, err := db.conn.Query(`
		SELECT id, feed_id, title, link, description, published_at, created_at
		FROM entries WHERE feed_id = ? ORDER BY published_at DESC`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountEntries returns the number of entries stored for a feed.
func (db *DB) CountEntries(feedID int64) (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM entries WHERE feed_id = ?", feedID).Scan(&n)
	return n, err
}

// EntriesForUser returns a feed's entries annotated with one user's
// read/favorite/comment relations, newest first.
func (db *DB) EntriesForUser(feedID, userID int64) ([]model.AnnotatedEntry, error) {
	rows, err := db.conn.Query(`
		SELECT e.id, e.feed_id, e.title, e.link, e.description, e.published_at, e.created_at,
			EXISTS(SELECT 1 FROM entry_relations WHERE entry_id = e.id AND user_id = ? AND kind = 'read'),
			EXISTS(SELECT 1 FROM entry_relations WHERE entry_id = e.id AND user_id = ? AND kind = 'favorite' AND disabled_at IS NULL),
			COALESCE((SELECT content FROM entry_relations WHERE entry_id = e.id AND user_id = ? AND kind = 'comment'), '')
		FROM entries e WHERE e.feed_id = ? ORDER BY e.published_at DESC`,
		userID, userID, userID, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AnnotatedEntry
	for rows.Next() {
		var a model.AnnotatedEntry
		if err := rows.Scan(&a.ID, &a.FeedID, &a.Title, &a.Link, &a.Description, &a.PublishedAt, &a.CreatedAt,
			&a.Read, &a.Favorite, &a.Comment); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Subscription Methods ---

// CreateSubscription links a user to a feed. An existing (user, feed)
// pair is left untouched; returns whether a row was created.
func (db *DB) CreateSubscription(userID, feedID int64, alias string) (bool, error) {
	now := time.Now().UTC()
	res, err := db.conn.Exec(`
		INSERT INTO subscriptions (user_id, feed_id, alias, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, feed_id) DO NOTHING`,
		userID, feedID, alias, now, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// GetSubscription returns the subscription row for (user, feed) or ErrNotFound.
func (db *DB) GetSubscription(userID, feedID int64) (*model.Subscription, error) {
	var s model.Subscription
	var disabledAt sql.NullTime
	err := db.conn.QueryRow(`
		SELECT id, user_id, feed_id, alias, disabled_at, created_at, modified_at
		FROM subscriptions WHERE user_id = ? AND feed_id = ?`, userID, feedID).
		Scan(&s.ID, &s.UserID, &s.FeedID, &s.Alias, &disabledAt, &s.CreatedAt, &s.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if disabledAt.Valid {
		t := disabledAt.Time
		s.DisabledAt = &t
	}
	return &s, nil
}

// SetSubscriptionState follows (StateActive) or unfollows
// (StateInactive) an existing subscription by flipping its
// disabled-at timestamp. The row is never deleted.
func (db *DB) SetSubscriptionState(userID, feedID int64, state model.State) error {
	now := time.Now().UTC()
	var disabledAt interface{}
	if state == model.StateInactive {
		disabledAt = now
	}
	res, err := db.conn.Exec(`
		UPDATE subscriptions SET disabled_at = ?, modified_at = ? WHERE user_id = ? AND feed_id = ?`,
		disabledAt, now, userID, feedID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FollowedFeeds returns the feeds a user actively follows, with entry
// and unread counts.
func (db *DB) FollowedFeeds(userID int64) ([]model.FeedSummary, error) {
	rows, err := db.conn.Query(`
		SELECT f.id, f.title, f.url, f.link, f.description, f.ttl_minutes, f.last_build_date, f.etag, f.last_modified, f.last_fetched, f.created_at, f.modified_at,
			s.alias,
			(SELECT COUNT(*) FROM entries WHERE feed_id = f.id),
			(SELECT COUNT(*) FROM entry_relations r JOIN entries e ON r.entry_id = e.id
				WHERE e.feed_id = f.id AND r.user_id = s.user_id AND r.kind = 'read')
		FROM feeds f JOIN subscriptions s ON s.feed_id = f.id
		WHERE s.user_id = ? AND s.disabled_at IS NULL
		ORDER BY f.title`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeedSummary
	for rows.Next() {
		var fs model.FeedSummary
		var readCount int
		var lastBuild, lastFetched sql.NullTime
		if err := rows.Scan(&fs.ID, &fs.Title, &fs.URL, &fs.Link, &fs.Description, &fs.TTLMinutes,
			&lastBuild, &fs.ETag, &fs.LastModified, &lastFetched, &fs.CreatedAt, &fs.ModifiedAt,
			&fs.Alias, &fs.EntryCount, &readCount); err != nil {
			return nil, err
		}
		if lastBuild.Valid {
			fs.LastBuildDate = lastBuild.Time
		}
		if lastFetched.Valid {
			fs.LastFetched = lastFetched.Time
		}
		fs.UnreadCount = fs.EntryCount - readCount
		out = append(out, fs)
	}
	return out, rows.Err()
}

// UnfollowedFeeds returns feeds the user has unfollowed (soft-disabled
// subscription rows).
func (db *DB) UnfollowedFeeds(userID int64) ([]model.Feed, error) {
	rows, err := db.conn.Query(`
		SELECT f.id, f.title, f.url, f.link, f.description, f.ttl_minutes, f.last_build_date, f.etag, f.last_modified, f.last_fetched, f.created_at, f.modified_at
		FROM feeds f JOIN subscriptions s ON s.feed_id = f.id
		WHERE s.user_id = ? AND s.disabled_at IS NOT NULL
		ORDER BY f.title`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeeds(rows)
}

// ActiveSubscribers returns the IDs of users actively following a feed.
func (db *DB) ActiveSubscribers(feedID int64) ([]int64, error) {
	rows, err := db.conn.Query(
		"SELECT user_id FROM subscriptions WHERE feed_id = ? AND disabled_at IS NULL ORDER BY user_id", feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FeedsWithActiveSubscribers returns feeds that at least one user
// actively follows; only these are refreshed on the schedule.
func (db *DB) FeedsWithActiveSubscribers() ([]model.Feed, error) {
	rows, err := db.conn.Query(`
		SELECT DISTINCT f.id, f.title, f.url, f.link, f.description, f.ttl_minutes, f.last_build_date, f.etag, f.last_modified, f.last_fetched, f.created_at, f.modified_at
		FROM feeds f JOIN subscriptions s ON s.feed_id = f.id
		WHERE s.disabled_at IS NULL
		ORDER BY f.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeeds(rows)
}

// --- Entry Relation Methods ---

// MarkEntry records a read/favorite/comment relation for a user.
// Content is required for comments and ignored otherwise. A comment is
// superseded on edit; re-favoriting clears a previous unfavorite.
func (db *DB) MarkEntry(userID, entryID int64, kind model.RelKind, content string) error {
	now := time.Now().UTC()
	switch kind {
	case model.RelRead:
		_, err := db.conn.Exec(`
			INSERT INTO entry_relations (user_id, entry_id, kind, created_at, modified_at)
			VALUES (?, ?, 'read', ?, ?)
			ON CONFLICT(user_id, entry_id, kind) DO NOTHING`,
			userID, entryID, now, now)
		return err
	case model.RelFavorite:
		_, err := db.conn.Exec(`
			INSERT INTO entry_relations (user_id, entry_id, kind, created_at, modified_at)
			VALUES (?, ?, 'favorite', ?, ?)
			ON CONFLICT(user_id, entry_id, kind) DO UPDATE SET disabled_at = NULL, modified_at = excluded.modified_at`,
			userID, entryID, now, now)
		return err
	case model.RelComment:
		if content == "" {
			return fmt.Errorf("mark entry: comment requires content")
		}
		_, err := db.conn.Exec(`
			INSERT INTO entry_relations (user_id, entry_id, kind, content, created_at, modified_at)
			VALUES (?, ?, 'comment', ?, ?, ?)
			ON CONFLICT(user_id, entry_id, kind) DO UPDATE SET content = excluded.content, modified_at = excluded.modified_at`,
			userID, entryID, content, now, now)
		return err
	case model.RelUnfavorite:
		return db.UnmarkFavorite(userID, entryID)
	}
	return fmt.Errorf("mark entry: unknown kind %q", kind)
}

// UnmarkFavorite soft-disables an active favorite relation.
func (db *DB) UnmarkFavorite(userID, entryID int64) error {
	now := time.Now().UTC()
	res, err := db.conn.Exec(`
		UPDATE entry_relations SET disabled_at = ?, modified_at = ?
		WHERE user_id = ? AND entry_id = ? AND kind = 'favorite' AND disabled_at IS NULL`,
		now, now, userID, entryID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Notification Methods ---

// CreateNotification inserts an unread notification unless an unread
// one with identical content already exists for the user.
func (db *DB) CreateNotification(userID int64, content string) (bool, error) {
	res, err := db.conn.Exec(`
		INSERT INTO notifications (user_id, content, read, created_at)
		SELECT ?, ?, 0, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications WHERE user_id = ? AND content = ? AND read = 0
		)`,
		userID, content, time.Now().UTC(), userID, content)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// UnreadNotifications returns a user's unread notifications, oldest first.
func (db *DB) UnreadNotifications(userID int64) ([]model.Notification, error) {
	rows, err := db.conn.Query(`
		SELECT id, user_id, content, read, created_at
		FROM notifications WHERE user_id = ? AND read = 0 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flips the read flag on the given notifications.
func (db *DB) MarkNotificationsRead(notificationIDs []int64) error {
	if len(notificationIDs) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("UPDATE notifications SET read = 1 WHERE id = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range notificationIDs {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// --- Helper functions ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var f model.Feed
	var lastBuild, lastFetched sql.NullTime
	err := row.Scan(&f.ID, &f.Title, &f.URL, &f.Link, &f.Description, &f.TTLMinutes,
		&lastBuild, &f.ETag, &f.LastModified, &lastFetched, &f.CreatedAt, &f.ModifiedAt)
	if err != nil {
		return nil, err
	}
	if lastBuild.Valid {
		f.LastBuildDate = lastBuild.Time
	}
	if lastFetched.Valid {
		f.LastFetched = lastFetched.Time
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		if err := rows.Scan(&e.ID, &e.FeedID, &e.Title, &e.Link, &e.Description, &e.PublishedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
