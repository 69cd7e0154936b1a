package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/mmcdole/gofeed"
)

// ParsedFeed is the normalized in-memory representation of a feed
// document.
type ParsedFeed struct {
	Title       string
	Link        string
	Description string
	TTLMinutes  int
	// LastBuildDate is taken from the document's updated/published
	// timestamp. When the document carries none it falls back to the
	// parse time and LastBuildGuessed is set, so callers can tell a
	// real build date from a guess.
	LastBuildDate    time.Time
	LastBuildGuessed bool
	Entries          []ParsedEntry
}

// ParsedEntry is one normalized entry of a parsed feed.
type ParsedEntry struct {
	Title       string
	Link        string
	Summary     string
	PublishedAt time.Time
}

// ParseError reports a malformed document or a missing required field.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse feed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse feed: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser normalizes raw RSS/Atom bytes.
type Parser struct {
	inner *gofeed.Parser
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{inner: gofeed.NewParser()}
}

// Parse normalizes a raw feed document. A feed without a title or link
// fails entirely (nothing to anchor deduplication on). An entry with a
// missing title, link or publication timestamp is skipped and logged
// rather than aborting the whole parse.
func (p *Parser) Parse(data []byte) (*ParsedFeed, error) {
	src, err := p.inner.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Reason: "malformed document", Err: err}
	}
	if src.Title == "" {
		return nil, &ParseError{Reason: "feed has no title"}
	}
	link := src.Link
	if link == "" {
		link = src.FeedLink
	}
	if link == "" {
		return nil, &ParseError{Reason: "feed has no link"}
	}

	out := &ParsedFeed{
		Title:       src.Title,
		Link:        link,
		Description: src.Description,
		TTLMinutes:  extractTTL(data),
	}

	switch {
	case src.UpdatedParsed != nil:
		out.LastBuildDate = *src.UpdatedParsed
	case src.PublishedParsed != nil:
		out.LastBuildDate = *src.PublishedParsed
	default:
		out.LastBuildDate = time.Now().UTC()
		out.LastBuildGuessed = true
	}

	for _, item := range src.Items {
		if item.Title == "" || item.Link == "" {
			log.Printf("Skipping entry without title or link in feed %q", src.Title)
			continue
		}
		published := item.PublishedParsed
		if published == nil {
			published = item.UpdatedParsed
		}
		if published == nil {
			log.Printf("Skipping entry %q: no parsable publication date", item.Title)
			continue
		}
		summary := item.Description
		if summary == "" {
			summary = item.Content
		}
		out.Entries = append(out.Entries, ParsedEntry{
			Title:       item.Title,
			Link:        item.Link,
			Summary:     summary,
			PublishedAt: *published,
		})
	}
	return out, nil
}

// extractTTL pulls the RSS <channel><ttl> refresh hint out of the raw
// document. gofeed does not surface it; Atom feeds have none. Returns
// 0 when absent or unreadable.
func extractTTL(data []byte) int {
	var doc struct {
		Channel struct {
			TTL int `xml:"ttl"`
		} `xml:"channel"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return 0
	}
	if doc.Channel.TTL < 0 {
		return 0
	}
	return doc.Channel.TTL
}
