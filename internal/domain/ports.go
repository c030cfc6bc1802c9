package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups for entities that are not in the
// index.
var ErrNotFound = errors.New("not found")

// PostStore defines persistence operations for indexed posts.
type PostStore interface {
	// InsertPosts upserts a batch of posts. Non-key fields take the incoming
	// value, except that a stored non-nil embedding survives an incoming nil.
	InsertPosts(ctx context.Context, posts []*Post) error

	// GetPost retrieves a post by its primary key. Returns ErrNotFound when
	// the post is not indexed.
	GetPost(ctx context.Context, creator, rkey string) (*Post, error)
}

// RepoStore defines persistence for per-repository crawl revisions.
type RepoStore interface {
	// GetRepoRev returns the highest commit revision seen for a repository,
	// or "" if the repository has never been crawled.
	GetRepoRev(ctx context.Context, did string) (string, error)

	// SetRepoRev persists the revision after a successful crawl.
	SetRepoRev(ctx context.Context, did, rev string) error
}

// ConfigStore defines persistence for durable configuration keys.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error
}
