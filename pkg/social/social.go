// Package social wraps the upstream social-graph API: profile lookup by
// handle, cursor-paginated "following" edges, and cursor-paginated public
// posts. Callers own the request pacing; the client only handles 429
// backoff and response decoding.
package social

import (
	"context"
	"time"
)

// PublicMetrics is the follower/following/post count snapshot attached to a
// profile at fetch time.
type PublicMetrics struct {
	Followers int
	Following int
	Posts     int
}

// Profile is a resolved public profile.
type Profile struct {
	ID              string
	Username        string
	Name            string
	Description     string
	Location        string
	Metrics         PublicMetrics
	Verified        bool
	VerifiedType    string
	ProfileImageURL string
}

// EdgeTarget is one entry of a "following" page.
type EdgeTarget struct {
	ID       string
	Username string
}

// EdgePage is one page of following edges. NextCursor is empty on the last
// page.
type EdgePage struct {
	Targets    []EdgeTarget
	NextCursor string
}

// PostMetrics carries engagement counters for a single post.
type PostMetrics struct {
	Likes   int
	Reposts int
	Replies int
	Quotes  int
}

// Post is one public post of an entity.
type Post struct {
	ID              string
	AuthorID        string
	Text            string
	Lang            string
	CreatedAt       time.Time
	Metrics         PostMetrics
	ConversationID  string
	InReplyToUserID string
}

// PostPage is one page of posts, newest first. NextCursor is empty on the
// last page.
type PostPage struct {
	Posts      []Post
	NextCursor string
}

// Client is the contract every worker consumes. GetProfileByHandle returns
// (nil, nil) when the handle does not exist upstream.
type Client interface {
	GetProfileByHandle(ctx context.Context, handle string) (*Profile, error)
	GetFollowing(ctx context.Context, userID string, cursor string) (*EdgePage, error)
	GetPosts(ctx context.Context, userID string, cursor string) (*PostPage, error)
}
