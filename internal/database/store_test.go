package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedkeeper/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedFeed(t *testing.T, db *DB, title string) int64 {
	t.Helper()
	id, created, err := db.GetOrCreateFeed(&model.Feed{
		Title: title,
		URL:   "https://example.com/" + title + ".xml",
		Link:  "https://example.com/" + title,
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func seedEntries(t *testing.T, db *DB, feedID int64, titles ...string) []int64 {
	t.Helper()
	entries := make([]model.Entry, len(titles))
	for i, title := range titles {
		entries[i] = model.Entry{
			FeedID:      feedID,
			Title:       title,
			Link:        "https://example.com/" + title,
			PublishedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		}
	}
	n, err := db.InsertEntries(feedID, entries, nil)
	require.NoError(t, err)
	require.Equal(t, len(titles), n)

	stored, err := db.GetEntries(feedID)
	require.NoError(t, err)
	ids := make([]int64, len(stored))
	for i, e := range stored {
		ids[i] = e.ID
	}
	return ids
}

func TestGetOrCreateFeedIdempotentOnTitle(t *testing.T) {
	db := newTestDB(t)

	id1, created, err := db.GetOrCreateFeed(&model.Feed{Title: "Go Blog", URL: "https://a.example/feed.xml"})
	require.NoError(t, err)
	assert.True(t, created)

	// A different URL resolving to the same title maps to the same feed.
	id2, created, err := db.GetOrCreateFeed(&model.Feed{Title: "Go Blog", URL: "https://mirror.example/feed.xml"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	f, err := db.GetFeedByID(id1)
	require.NoError(t, err)
	// The existing row keeps its original URL.
	assert.Equal(t, "https://a.example/feed.xml", f.URL)

	f, err = db.GetFeedByTitle("Go Blog")
	require.NoError(t, err)
	assert.Equal(t, id1, f.ID)
}

func TestGetFeedNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetFeedByID(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetFeedByTitle("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertEntriesSkipsDuplicateKeys(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "dups")

	published := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := []model.Entry{
		{FeedID: feedID, Title: "A", Link: "https://e/a", PublishedAt: published},
		{FeedID: feedID, Title: "B", Link: "https://e/b", PublishedAt: published},
	}
	n, err := db.InsertEntries(feedID, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Same keys with a different description are not re-inserted.
	batch[0].Description = "now with text"
	n, err = db.InsertEntries(feedID, batch, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := db.CountEntries(feedID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInsertEntriesUpdatesMetaInSameBatch(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "meta")

	fetchedAt := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	lastBuild := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	_, err := db.InsertEntries(feedID, nil, &model.FeedMeta{
		TTLMinutes:    30,
		LastBuildDate: lastBuild,
		ETag:          `"v2"`,
		LastModified:  "Mon, 02 Jun 2025 07:00:00 GMT",
		FetchedAt:     fetchedAt,
	})
	require.NoError(t, err)

	f, err := db.GetFeedByID(feedID)
	require.NoError(t, err)
	assert.Equal(t, 30, f.TTLMinutes)
	assert.Equal(t, `"v2"`, f.ETag)
	assert.Equal(t, "Mon, 02 Jun 2025 07:00:00 GMT", f.LastModified)
	assert.Equal(t, lastBuild, f.LastBuildDate.UTC())
	assert.Equal(t, fetchedAt, f.LastFetched.UTC())

	// A nil meta leaves the feed row untouched.
	_, err = db.InsertEntries(feedID, nil, nil)
	require.NoError(t, err)
	f2, err := db.GetFeedByID(feedID)
	require.NoError(t, err)
	assert.Equal(t, f.ModifiedAt, f2.ModifiedAt)
}

func TestEntryKeys(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "keys")
	seedEntries(t, db, feedID, "one", "two")

	keys, err := db.EntryKeys(feedID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	_, ok := keys[model.EntryKey{
		Title:     "one",
		Link:      "https://example.com/one",
		Published: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}]
	assert.True(t, ok)
}

func TestGetEntry(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "lookup")
	entryID := seedEntries(t, db, feedID, "post")[0]

	e, err := db.GetEntry(entryID)
	require.NoError(t, err)
	assert.Equal(t, "post", e.Title)
	assert.Equal(t, feedID, e.FeedID)

	_, err = db.GetEntry(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptionLifecycle(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "subs")
	const userID = int64(7)

	created, err := db.CreateSubscription(userID, feedID, "my alias")
	require.NoError(t, err)
	assert.True(t, created)

	// Creating again is a no-op, not an error.
	created, err = db.CreateSubscription(userID, feedID, "other alias")
	require.NoError(t, err)
	assert.False(t, created)

	sub, err := db.GetSubscription(userID, feedID)
	require.NoError(t, err)
	assert.Equal(t, "my alias", sub.Alias)
	assert.Equal(t, model.StateActive, sub.State())

	// Unfollow disables the row in place.
	require.NoError(t, db.SetSubscriptionState(userID, feedID, model.StateInactive))
	sub, err = db.GetSubscription(userID, feedID)
	require.NoError(t, err)
	assert.Equal(t, model.StateInactive, sub.State())
	assert.NotNil(t, sub.DisabledAt)

	// Re-follow restores the same row.
	require.NoError(t, db.SetSubscriptionState(userID, feedID, model.StateActive))
	sub, err = db.GetSubscription(userID, feedID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, sub.State())

	// State changes on a missing pair report ErrNotFound.
	err = db.SetSubscriptionState(userID, 999, model.StateInactive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFollowedFeedsCounts(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "counted")
	const userID = int64(1)

	_, err := db.CreateSubscription(userID, feedID, "")
	require.NoError(t, err)
	entryIDs := seedEntries(t, db, feedID, "a", "b", "c")
	require.NoError(t, db.MarkEntry(userID, entryIDs[0], model.RelRead, ""))

	followed, err := db.FollowedFeeds(userID)
	require.NoError(t, err)
	require.Len(t, followed, 1)
	assert.Equal(t, 3, followed[0].EntryCount)
	assert.Equal(t, 2, followed[0].UnreadCount)

	// Another user's reads do not affect this user's counts.
	require.NoError(t, db.MarkEntry(2, entryIDs[1], model.RelRead, ""))
	followed, err = db.FollowedFeeds(userID)
	require.NoError(t, err)
	assert.Equal(t, 2, followed[0].UnreadCount)
}

func TestUnfollowedFeeds(t *testing.T) {
	db := newTestDB(t)
	activeID := seedFeed(t, db, "active")
	pausedID := seedFeed(t, db, "paused")
	const userID = int64(1)

	for _, id := range []int64{activeID, pausedID} {
		_, err := db.CreateSubscription(userID, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, db.SetSubscriptionState(userID, pausedID, model.StateInactive))

	unfollowed, err := db.UnfollowedFeeds(userID)
	require.NoError(t, err)
	require.Len(t, unfollowed, 1)
	assert.Equal(t, pausedID, unfollowed[0].ID)

	followed, err := db.FollowedFeeds(userID)
	require.NoError(t, err)
	require.Len(t, followed, 1)
	assert.Equal(t, activeID, followed[0].ID)
}

func TestActiveSubscribersAndScheduledFeeds(t *testing.T) {
	db := newTestDB(t)
	wantedID := seedFeed(t, db, "wanted")
	abandonedID := seedFeed(t, db, "abandoned")
	orphanID := seedFeed(t, db, "orphan")

	_, err := db.CreateSubscription(1, wantedID, "")
	require.NoError(t, err)
	_, err = db.CreateSubscription(2, wantedID, "")
	require.NoError(t, err)
	_, err = db.CreateSubscription(1, abandonedID, "")
	require.NoError(t, err)
	require.NoError(t, db.SetSubscriptionState(1, abandonedID, model.StateInactive))

	subscribers, err := db.ActiveSubscribers(wantedID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, subscribers)

	// Only feeds with at least one active subscriber are scheduled.
	feeds, err := db.FeedsWithActiveSubscribers()
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, wantedID, feeds[0].ID)
	_ = orphanID
}

func TestMarkEntryRelations(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "marks")
	entryIDs := seedEntries(t, db, feedID, "post")
	entryID := entryIDs[0]
	const userID = int64(3)

	// Read marks are idempotent.
	require.NoError(t, db.MarkEntry(userID, entryID, model.RelRead, ""))
	require.NoError(t, db.MarkEntry(userID, entryID, model.RelRead, ""))

	// Comments require content and are superseded on edit.
	err := db.MarkEntry(userID, entryID, model.RelComment, "")
	assert.Error(t, err)
	require.NoError(t, db.MarkEntry(userID, entryID, model.RelComment, "first"))
	require.NoError(t, db.MarkEntry(userID, entryID, model.RelComment, "second"))

	annotated, err := db.EntriesForUser(feedID, userID)
	require.NoError(t, err)
	require.Len(t, annotated, 1)
	assert.True(t, annotated[0].Read)
	assert.False(t, annotated[0].Favorite)
	assert.Equal(t, "second", annotated[0].Comment)
}

func TestFavoriteUnfavoriteCycle(t *testing.T) {
	db := newTestDB(t)
	feedID := seedFeed(t, db, "favs")
	entryID := seedEntries(t, db, feedID, "post")[0]
	const userID = int64(4)

	// Unfavoriting something never favorited is reported.
	err := db.UnmarkFavorite(userID, entryID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.MarkEntry(userID, entryID, model.RelFavorite, ""))
	annotated, err := db.EntriesForUser(feedID, userID)
	require.NoError(t, err)
	assert.True(t, annotated[0].Favorite)

	require.NoError(t, db.MarkEntry(userID, entryID, model.RelUnfavorite, ""))
	annotated, err = db.EntriesForUser(feedID, userID)
	require.NoError(t, err)
	assert.False(t, annotated[0].Favorite)

	// Re-favoriting revives the soft-disabled row.
	require.NoError(t, db.MarkEntry(userID, entryID, model.RelFavorite, ""))
	annotated, err = db.EntriesForUser(feedID, userID)
	require.NoError(t, err)
	assert.True(t, annotated[0].Favorite)
}

func TestNotificationDeduplication(t *testing.T) {
	db := newTestDB(t)
	const userID = int64(5)

	created, err := db.CreateNotification(userID, "Feed \"X\" could not be refreshed.")
	require.NoError(t, err)
	assert.True(t, created)

	// An identical unread notification is not duplicated.
	created, err = db.CreateNotification(userID, "Feed \"X\" could not be refreshed.")
	require.NoError(t, err)
	assert.False(t, created)

	unread, err := db.UnreadNotifications(userID)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, db.MarkNotificationsRead([]int64{unread[0].ID}))
	unread, err = db.UnreadNotifications(userID)
	require.NoError(t, err)
	assert.Empty(t, unread)

	// Once the old one is read, a new failure may notify again.
	created, err = db.CreateNotification(userID, "Feed \"X\" could not be refreshed.")
	require.NoError(t, err)
	assert.True(t, created)
}
