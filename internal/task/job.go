package task

import "github.com/google/uuid"

// Job is one enqueued unit of work. Fields beyond Op are set according
// to the operation's signature.
type Job struct {
	ID     uuid.UUID
	Op     Op
	URL    string
	Alias  string
	FeedID int64
	UserID int64
}

// NewParseFeedJob registers a brand-new feed URL for a user.
func NewParseFeedJob(url, alias string, userID int64) Job {
	return Job{ID: uuid.New(), Op: OpParseFeed, URL: url, Alias: alias, UserID: userID}
}

// NewFollowFeedJob subscribes a user to an existing feed.
func NewFollowFeedJob(feedID, userID int64) Job {
	return Job{ID: uuid.New(), Op: OpFollowFeed, FeedID: feedID, UserID: userID}
}

// NewParseEntriesJob seeds the entry history of a newly created feed.
func NewParseEntriesJob(url string, feedID int64) Job {
	return Job{ID: uuid.New(), Op: OpParseEntries, URL: url, FeedID: feedID}
}

// NewUpdateFeedJob refreshes a feed on behalf of a user.
func NewUpdateFeedJob(feedID, userID int64) Job {
	return Job{ID: uuid.New(), Op: OpUpdateFeed, FeedID: feedID, UserID: userID}
}
