// Package feed provides feed fetching and parsing.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-domain politeness settings.
const (
	// DelayBetweenDomainRequests is the minimum delay between requests
	// to the same domain.
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// MaxBodySize caps the size of a fetched feed document.
	MaxBodySize = 10 << 20 // 10 MiB
)

// Status reports the outcome of a conditional fetch.
type Status int

const (
	// StatusFresh means the origin returned a new document body.
	StatusFresh Status = iota
	// StatusNotModified means the origin confirmed the cached
	// validators are still current; the body is empty.
	StatusNotModified
)

// Validators are the cache validators persisted between fetches.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of a successful fetch.
type FetchResult struct {
	Status     Status
	Body       []byte
	Validators Validators
}

// FetchError wraps any network-layer failure: transport errors,
// timeouts and non-2xx/304 responses.
type FetchError struct {
	URL        string
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs conditional HTTP retrieval of feed documents.
// It is purely functional with respect to stored state.
type Fetcher struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher creates a fetcher with the given request timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiter returns the rate limiter for a domain, creating it on first use.
func (f *Fetcher) limiter(domain string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(DelayBetweenDomainRequests), 1)
		f.limiters[domain] = l
	}
	return l
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL // fallback to full URL
	}
	return u.Host
}

// Fetch retrieves a feed document. When validators are supplied the
// request is conditional and a 304 response short-circuits with
// StatusNotModified. Any other failure is reported as a *FetchError;
// nothing is thrown past this boundary.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, v Validators) (*FetchResult, error) {
	if err := f.limiter(extractDomain(rawURL)).Wait(ctx); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{Status: StatusNotModified, Validators: v}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	return &FetchResult{
		Status: StatusFresh,
		Body:   body,
		Validators: Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}
