package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedkeeper/internal/database"
	"feedkeeper/internal/feed"
	"feedkeeper/internal/model"
	"feedkeeper/internal/task"
)

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	orch := task.New(db, feed.NewFetcher(5*time.Second, "feedkeeper-test/1.0"), task.Options{
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
	})
	return New(db, orch), db
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func seedFeedWithEntries(t *testing.T, db *database.DB, title string, entryTitles ...string) int64 {
	t.Helper()
	feedID, _, err := db.GetOrCreateFeed(&model.Feed{
		Title: title,
		URL:   "https://example.com/" + title + ".xml",
		Link:  "https://example.com/" + title,
	})
	require.NoError(t, err)
	entries := make([]model.Entry, len(entryTitles))
	for i, et := range entryTitles {
		entries[i] = model.Entry{
			FeedID:      feedID,
			Title:       et,
			Link:        "https://example.com/" + et,
			PublishedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		}
	}
	_, err = db.InsertEntries(feedID, entries, nil)
	require.NoError(t, err)
	return feedID
}

func TestAddFeedValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/feeds", map[string]any{"url": "not-a-url"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Errors map[string]string `json:"errors"`
	}
	decodeJSON(t, rec, &resp)
	assert.Contains(t, resp.Errors, "url")
	assert.Contains(t, resp.Errors, "user_id")
}

func TestAddFeedQueues(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/feeds", map[string]any{
		"url":     "https://example.com/feed.xml",
		"alias":   "news",
		"user_id": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["job_id"])
}

func TestListFeeds(t *testing.T) {
	s, db := newTestServer(t)
	followedID := seedFeedWithEntries(t, db, "followed", "a", "b")
	droppedID := seedFeedWithEntries(t, db, "dropped")
	for _, id := range []int64{followedID, droppedID} {
		_, err := db.CreateSubscription(1, id, "")
		require.NoError(t, err)
	}
	require.NoError(t, db.SetSubscriptionState(1, droppedID, model.StateInactive))

	rec := doJSON(t, s, http.MethodGet, "/api/feeds?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Followed []struct {
			ID          int64 `json:"id"`
			EntryCount  int   `json:"entry_count"`
			UnreadCount int   `json:"unread_count"`
		} `json:"followed"`
		Unfollowed []struct {
			ID int64 `json:"id"`
		} `json:"unfollowed"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Followed, 1)
	assert.Equal(t, followedID, resp.Followed[0].ID)
	assert.Equal(t, 2, resp.Followed[0].EntryCount)
	assert.Equal(t, 2, resp.Followed[0].UnreadCount)
	require.Len(t, resp.Unfollowed, 1)
	assert.Equal(t, droppedID, resp.Unfollowed[0].ID)
}

func TestFollowUnfollowCycle(t *testing.T) {
	s, db := newTestServer(t)
	feedID := seedFeedWithEntries(t, db, "cycled")
	body := map[string]any{"user_id": 1}

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/feeds/%d/follow", feedID), body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/feeds/%d/unfollow", feedID), body)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := db.GetSubscription(1, feedID)
	require.NoError(t, err)
	assert.Equal(t, model.StateInactive, sub.State())

	// Re-following revives the soft-disabled subscription.
	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/feeds/%d/follow", feedID), body)
	require.Equal(t, http.StatusOK, rec.Code)
	sub, err = db.GetSubscription(1, feedID)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, sub.State())
}

func TestFollowUnknownFeed(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/feeds/999/follow", map[string]any{"user_id": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnfollowWithoutSubscription(t *testing.T) {
	s, db := newTestServer(t)
	feedID := seedFeedWithEntries(t, db, "never")
	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/feeds/%d/unfollow", feedID), map[string]any{"user_id": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEntriesAnnotated(t *testing.T) {
	s, db := newTestServer(t)
	feedID := seedFeedWithEntries(t, db, "annotated", "old", "new")
	entries, err := db.GetEntries(feedID)
	require.NoError(t, err)
	require.NoError(t, db.MarkEntry(1, entries[0].ID, model.RelRead, ""))
	require.NoError(t, db.MarkEntry(1, entries[0].ID, model.RelComment, "nice"))

	rec := doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/feeds/%d/entries?user_id=1", feedID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []struct {
			Title   string `json:"title"`
			Read    bool   `json:"read"`
			Comment string `json:"comment"`
		} `json:"entries"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Entries, 2)
	// Newest first.
	assert.Equal(t, "new", resp.Entries[0].Title)
	assert.True(t, resp.Entries[0].Read)
	assert.Equal(t, "nice", resp.Entries[0].Comment)
	assert.False(t, resp.Entries[1].Read)
}

func TestMarkEntryValidation(t *testing.T) {
	s, db := newTestServer(t)
	feedID := seedFeedWithEntries(t, db, "marked", "post")
	entries, err := db.GetEntries(feedID)
	require.NoError(t, err)
	path := fmt.Sprintf("/api/entries/%d/mark", entries[0].ID)

	rec := doJSON(t, s, http.MethodPost, path, map[string]any{"user_id": 1, "kind": "shrug"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Errors map[string]string `json:"errors"`
	}
	decodeJSON(t, rec, &resp)
	assert.Contains(t, resp.Errors, "kind")

	rec = doJSON(t, s, http.MethodPost, path, map[string]any{"user_id": 1, "kind": "comment"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.Contains(t, resp.Errors, "content")

	// Unfavoriting an entry that was never favorited is rejected.
	rec = doJSON(t, s, http.MethodPost, path, map[string]any{"user_id": 1, "kind": "unfavorite"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, path, map[string]any{"user_id": 1, "kind": "favorite"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarkUnknownEntry(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/entries/999/mark", map[string]any{"user_id": 1, "kind": "read"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/entries/999/mark", map[string]any{"user_id": 1, "kind": "comment", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start("127.0.0.1:0")
	}()
	// Let the listener come up before tearing it down.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errChan, http.ErrServerClosed)
}

func TestNotificationsDeliveredOnce(t *testing.T) {
	s, db := newTestServer(t)
	_, err := db.CreateNotification(1, `Feed "X" could not be refreshed.`)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/notifications?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Notifications []struct {
			Content string `json:"content"`
		} `json:"notifications"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Notifications, 1)

	// Listing marks them read, so a second request is empty.
	rec = doJSON(t, s, http.MethodGet, "/api/notifications?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.Empty(t, resp.Notifications)
}

func TestImportOPML(t *testing.T) {
	s, _ := newTestServer(t)

	doc := `<?xml version="1.0"?>
<opml version="2.0"><head/><body>
  <outline text="Go Blog" type="rss" xmlUrl="https://go.dev/blog/feed.atom"/>
  <outline text="Broken" type="rss" xmlUrl="not a url"/>
</body></opml>`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", "1"))
	fw, err := mw.CreateFormFile("opml", "feeds.opml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import-opml", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Queued int `json:"queued"`
		Total  int `json:"total"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 1, resp.Queued)
	assert.Equal(t, 2, resp.Total)
}

func TestExportOPML(t *testing.T) {
	s, db := newTestServer(t)
	feedID := seedFeedWithEntries(t, db, "exported")
	_, err := db.CreateSubscription(1, feedID, "My Alias")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/export-opml?user_id=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/x-opml", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	// The per-user alias names the outline.
	assert.True(t, strings.Contains(body, "My Alias"))
	assert.True(t, strings.Contains(body, "https://example.com/exported.xml"))
}
