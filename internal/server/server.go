// Package server exposes the HTTP API over the store and the task
// orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"feedkeeper/internal/database"
	"feedkeeper/internal/model"
	"feedkeeper/internal/opml"
	"feedkeeper/internal/task"
)

// Server handles HTTP requests.
type Server struct {
	db     database.Store
	orch   *task.Orchestrator
	router chi.Router
	http   *http.Server
}

// New creates a server and mounts its routes.
func New(db database.Store, orch *task.Orchestrator) *Server {
	s := &Server{db: db, orch: orch}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Post("/feeds", s.handleAddFeed)
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds/{feedID}/follow", s.handleFollowFeed)
		r.Post("/feeds/{feedID}/unfollow", s.handleUnfollowFeed)
		r.Post("/feeds/{feedID}/refresh", s.handleRefreshFeed)
		r.Get("/feeds/{feedID}/entries", s.handleListEntries)
		r.Post("/entries/{entryID}/mark", s.handleMarkEntry)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
	s.http = &http.Server{Handler: r}
	return s
}

// Router returns the mounted handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server on the given address. It blocks until
// Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	log.Printf("Server listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// fieldErrors reports invalid input as a field -> message map.
func fieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"errors": fields})
}

func serverError(w http.ResponseWriter, err error) {
	log.Printf("Internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": what + " not found"})
}

// --- Request parsing ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		fieldErrors(w, map[string]string{"body": "invalid JSON"})
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID < 1 {
		fieldErrors(w, map[string]string{"user_id": "must be a positive integer"})
		return 0, false
	}
	return userID, true
}

func validFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// --- Feed handlers ---

type addFeedRequest struct {
	URL    string `json:"url"`
	Alias  string `json:"alias"`
	UserID int64  `json:"user_id"`
}

// handleAddFeed registers a new feed URL for a user. The fetch, parse
// and seeding run in the background; the response only acknowledges the
// queued job.
func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req addFeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fields := make(map[string]string)
	if !validFeedURL(req.URL) {
		fields["url"] = "must be a valid http(s) URL"
	}
	if req.UserID < 1 {
		fields["user_id"] = "must be a positive integer"
	}
	if len(fields) > 0 {
		fieldErrors(w, fields)
		return
	}

	job := task.NewParseFeedJob(req.URL, req.Alias, req.UserID)
	if err := s.orch.Enqueue(job); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": job.ID.String(),
	})
}

// handleListFeeds lists the user's followed feeds with entry and unread
// counts, plus the feeds they could follow.
func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	followed, err := s.db.FollowedFeeds(userID)
	if err != nil {
		serverError(w, err)
		return
	}
	unfollowed, err := s.db.UnfollowedFeeds(userID)
	if err != nil {
		serverError(w, err)
		return
	}

	type followedFeed struct {
		ID          int64     `json:"id"`
		Title       string    `json:"title"`
		Alias       string    `json:"alias,omitempty"`
		Link        string    `json:"link"`
		Description string    `json:"description,omitempty"`
		LastBuild   time.Time `json:"last_build_date"`
		EntryCount  int       `json:"entry_count"`
		UnreadCount int       `json:"unread_count"`
	}
	type otherFeed struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
		Link  string `json:"link"`
	}

	resp := struct {
		Followed   []followedFeed `json:"followed"`
		Unfollowed []otherFeed    `json:"unfollowed"`
	}{Followed: []followedFeed{}, Unfollowed: []otherFeed{}}

	for _, f := range followed {
		resp.Followed = append(resp.Followed, followedFeed{
			ID:          f.ID,
			Title:       f.Title,
			Alias:       f.Alias,
			Link:        f.Link,
			Description: f.Description,
			LastBuild:   f.LastBuildDate,
			EntryCount:  f.EntryCount,
			UnreadCount: f.UnreadCount,
		})
	}
	for _, f := range unfollowed {
		resp.Unfollowed = append(resp.Unfollowed, otherFeed{ID: f.ID, Title: f.Title, Link: f.Link})
	}
	writeJSON(w, http.StatusOK, resp)
}

type userRequest struct {
	UserID int64 `json:"user_id"`
}

// handleFollowFeed subscribes a user to an existing feed. A previously
// unfollowed subscription is re-enabled in place.
func (s *Server) handleFollowFeed(w http.ResponseWriter, r *http.Request) {
	feedID, err := pathID(r, "feedID")
	if err != nil {
		fieldErrors(w, map[string]string{"feed_id": "must be an integer"})
		return
	}
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID < 1 {
		fieldErrors(w, map[string]string{"user_id": "must be a positive integer"})
		return
	}

	sub, err := s.db.GetSubscription(req.UserID, feedID)
	switch {
	case err == nil:
		if sub.State() == model.StateInactive {
			if err := s.db.SetSubscriptionState(req.UserID, feedID, model.StateActive); err != nil {
				serverError(w, err)
				return
			}
		}
	case errors.Is(err, database.ErrNotFound):
		if err := s.orch.FollowFeed(r.Context(), feedID, req.UserID); err != nil {
			var followErr *task.FollowError
			if errors.As(err, &followErr) && errors.Is(followErr.Err, database.ErrNotFound) {
				notFound(w, "feed")
				return
			}
			serverError(w, err)
			return
		}
	default:
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "following"})
}

// handleUnfollowFeed soft-disables the subscription so the follow
// history and read state survive a later re-follow.
func (s *Server) handleUnfollowFeed(w http.ResponseWriter, r *http.Request) {
	feedID, err := pathID(r, "feedID")
	if err != nil {
		fieldErrors(w, map[string]string{"feed_id": "must be an integer"})
		return
	}
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID < 1 {
		fieldErrors(w, map[string]string{"user_id": "must be a positive integer"})
		return
	}
	if err := s.db.SetSubscriptionState(req.UserID, feedID, model.StateInactive); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(w, "subscription")
			return
		}
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unfollowed"})
}

// handleRefreshFeed queues an on-demand refresh of one feed.
func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	feedID, err := pathID(r, "feedID")
	if err != nil {
		fieldErrors(w, map[string]string{"feed_id": "must be an integer"})
		return
	}
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID < 1 {
		fieldErrors(w, map[string]string{"user_id": "must be a positive integer"})
		return
	}
	if _, err := s.db.GetFeedByID(feedID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(w, "feed")
			return
		}
		serverError(w, err)
		return
	}

	job := task.NewUpdateFeedJob(feedID, req.UserID)
	if err := s.orch.Enqueue(job); err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": job.ID.String(),
	})
}

// --- Entry handlers ---

// handleListEntries lists a feed's entries annotated with the user's
// read, favorite and comment marks, newest first.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	feedID, err := pathID(r, "feedID")
	if err != nil {
		fieldErrors(w, map[string]string{"feed_id": "must be an integer"})
		return
	}
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetFeedByID(feedID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(w, "feed")
			return
		}
		serverError(w, err)
		return
	}
	entries, err := s.db.EntriesForUser(feedID, userID)
	if err != nil {
		serverError(w, err)
		return
	}

	type entryResponse struct {
		ID          int64     `json:"id"`
		Title       string    `json:"title"`
		Link        string    `json:"link"`
		Description string    `json:"description,omitempty"`
		PublishedAt time.Time `json:"published_at"`
		Read        bool      `json:"read"`
		Favorite    bool      `json:"favorite"`
		Comment     string    `json:"comment,omitempty"`
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			ID:          e.ID,
			Title:       e.Title,
			Link:        e.Link,
			Description: e.Description,
			PublishedAt: e.PublishedAt,
			Read:        e.Read,
			Favorite:    e.Favorite,
			Comment:     e.Comment,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

type markEntryRequest struct {
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// handleMarkEntry records a read/favorite/comment mark on an entry, or
// removes a favorite via the "unfavorite" kind.
func (s *Server) handleMarkEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := pathID(r, "entryID")
	if err != nil {
		fieldErrors(w, map[string]string{"entry_id": "must be an integer"})
		return
	}
	var req markEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind := model.RelKind(req.Kind)
	fields := make(map[string]string)
	if req.UserID < 1 {
		fields["user_id"] = "must be a positive integer"
	}
	if !kind.Valid() {
		fields["kind"] = "must be one of: read, favorite, comment, unfavorite"
	}
	if kind == model.RelComment && strings.TrimSpace(req.Content) == "" {
		fields["content"] = "required for comments"
	}
	if len(fields) > 0 {
		fieldErrors(w, fields)
		return
	}
	if _, err := s.db.GetEntry(entryID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			notFound(w, "entry")
			return
		}
		serverError(w, err)
		return
	}

	if err := s.db.MarkEntry(req.UserID, entryID, kind, req.Content); err != nil {
		if errors.Is(err, database.ErrNotFound) && kind == model.RelUnfavorite {
			fieldErrors(w, map[string]string{"kind": "entry is not a favorite"})
			return
		}
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked"})
}

// --- Notification handlers ---

// handleNotifications returns the user's unread notifications and marks
// them read, so each one is delivered exactly once.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	notifications, err := s.db.UnreadNotifications(userID)
	if err != nil {
		serverError(w, err)
		return
	}

	type notificationResponse struct {
		ID        int64     `json:"id"`
		Content   string    `json:"content"`
		CreatedAt time.Time `json:"created_at"`
	}
	resp := make([]notificationResponse, 0, len(notifications))
	ids := make([]int64, 0, len(notifications))
	for _, n := range notifications {
		resp = append(resp, notificationResponse{ID: n.ID, Content: n.Content, CreatedAt: n.CreatedAt})
		ids = append(ids, n.ID)
	}
	if len(ids) > 0 {
		if err := s.db.MarkNotificationsRead(ids); err != nil {
			serverError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": resp})
}

// --- OPML handlers ---

// handleImportOPML queues a registration job for every feed in an
// uploaded OPML file.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
	if err != nil || userID < 1 {
		fieldErrors(w, map[string]string{"user_id": "must be a positive integer"})
		return
	}
	file, _, err := r.FormFile("opml")
	if err != nil {
		fieldErrors(w, map[string]string{"opml": "file upload required"})
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		fieldErrors(w, map[string]string{"opml": "not a valid OPML document"})
		return
	}

	queued := 0
	for _, e := range entries {
		if !validFeedURL(e.URL) {
			continue
		}
		if err := s.orch.Enqueue(task.NewParseFeedJob(e.URL, e.Title, userID)); err != nil {
			log.Printf("OPML import: %v", err)
			break
		}
		queued++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"queued": queued,
		"total":  len(entries),
	})
}

// handleExportOPML produces an OPML document of the user's followed
// feeds.
func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	followed, err := s.db.FollowedFeeds(userID)
	if err != nil {
		serverError(w, err)
		return
	}
	entries := make([]opml.FeedEntry, 0, len(followed))
	for _, f := range followed {
		title := f.Title
		if f.Alias != "" {
			title = f.Alias
		}
		entries = append(entries, opml.FeedEntry{Title: title, URL: f.URL})
	}
	output, err := opml.Export(fmt.Sprintf("Feeds for user %d", userID), entries)
	if err != nil {
		serverError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-opml")
	w.Header().Set("Content-Disposition", `attachment; filename="feeds.opml"`)
	w.Write(output)
}
