// Package task schedules and executes feed ingestion work.
package task

import "fmt"

// Op names one of the four orchestrated units of work.
type Op string

const (
	OpParseFeed    Op = "parse_feed"
	OpFollowFeed   Op = "follow_feed"
	OpParseEntries Op = "parse_entries"
	OpUpdateFeed   Op = "update_feed"
)

// OpError is the durable failure of one unit of work: the retry budget
// is exhausted and the original cause is preserved for diagnostics.
type OpError struct {
	Op  Op
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// FollowError reports a failed subscription creation, e.g. because the
// target feed vanished between lookup and follow.
type FollowError struct {
	FeedID int64
	UserID int64
	Err    error
}

func (e *FollowError) Error() string {
	return fmt.Sprintf("follow feed %d for user %d: %v", e.FeedID, e.UserID, e.Err)
}

func (e *FollowError) Unwrap() error { return e.Err }
