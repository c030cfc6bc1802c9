package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/blackmichael/pinakes/internal/domain"
)

// DefaultSearchLimit bounds result sets when the caller does not specify one.
const DefaultSearchLimit = 25

// DefaultVectorThreshold is the maximum cosine distance returned by vector
// search when the caller does not set one.
const DefaultVectorThreshold = 0.5

// SearchOptions narrows and orders a search. Identifier fields must already
// be DIDs; handle resolution happens in the search service.
type SearchOptions struct {
	// Creators restricts results to posts authored by these DIDs.
	Creators []string

	// ParentAuthors restricts results to replies whose direct parent was
	// authored by one of these DIDs. RootAuthors does the same for the
	// thread root.
	ParentAuthors []string
	RootAuthors   []string

	// Before and After bound created_at (epoch milliseconds, exclusive).
	// Zero means unbounded.
	Before int64
	After  int64

	// Order is "asc" or "desc". Empty picks the mode's default: newest
	// first for text search, nearest first for vector search.
	Order string

	// Limit caps the result count; zero means DefaultSearchLimit.
	Limit int

	// IncludeAltText widens matching to image alt text.
	IncludeAltText bool

	// Threshold is the maximum cosine distance for vector search; zero
	// means DefaultVectorThreshold.
	Threshold float64
}

func (o SearchOptions) limit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return DefaultSearchLimit
}

// filterClauses builds the WHERE fragments shared by both search modes.
func (o SearchOptions) filterClauses() ([]string, []any) {
	var clauses []string
	var args []any

	if len(o.Creators) > 0 {
		placeholders := strings.Repeat("?, ", len(o.Creators))
		clauses = append(clauses, "creator IN ("+placeholders[:len(placeholders)-2]+")")
		for _, c := range o.Creators {
			args = append(args, c)
		}
	}
	for _, group := range []struct {
		column  string
		authors []string
	}{
		{"reply_parent", o.ParentAuthors},
		{"reply_root", o.RootAuthors},
	} {
		if len(group.authors) == 0 {
			continue
		}
		var likes []string
		for _, did := range group.authors {
			likes = append(likes, group.column+" LIKE ?")
			args = append(args, "at://"+did+"%")
		}
		clauses = append(clauses, "("+strings.Join(likes, " OR ")+")")
	}
	if o.Before > 0 {
		clauses = append(clauses, "created_at < ?")
		args = append(args, o.Before)
	}
	if o.After > 0 {
		clauses = append(clauses, "created_at > ?")
		args = append(args, o.After)
	}
	return clauses, args
}

// SearchPostsText returns posts matching a substring query under the given
// filters. An empty query returns whatever the filters alone select.
func (s *Store) SearchPostsText(ctx context.Context, query string, o SearchOptions) ([]*domain.Post, error) {
	clauses, args := o.filterClauses()

	if query != "" {
		pattern := "%" + escapeLike(query) + "%"
		match := `text LIKE ? ESCAPE '\'`
		args = append(args, pattern)
		if o.IncludeAltText {
			match = `(` + match + ` OR alt_text LIKE ? ESCAPE '\')`
			args = append(args, pattern)
		}
		clauses = append(clauses, match)
	}

	order := "DESC"
	if o.Order == "asc" {
		order = "ASC"
	}

	q := `SELECT ` + postColumns + ` FROM post`
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY created_at " + order + " LIMIT ?"
	args = append(args, o.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ScoredPost is a vector search hit with its cosine distance to the query.
type ScoredPost struct {
	domain.Post
	Distance float64
}

// SearchPostsVector ranks posts by cosine distance between their embeddings
// and the query vector. When IncludeAltText is set and an alt-text embedding
// exists, the better of the two distances is used.
func (s *Store) SearchPostsVector(ctx context.Context, queryVec []float32, o SearchOptions) ([]*ScoredPost, error) {
	clauses, args := o.filterClauses()
	clauses = append(clauses, "embedding IS NOT NULL")

	blob := EncodeVector(queryVec)
	distExpr := "vec_cos_dist(embedding, ?)"
	distArgs := []any{blob}
	if o.IncludeAltText {
		distExpr = `CASE WHEN alt_text_embedding IS NOT NULL
			THEN min(vec_cos_dist(embedding, ?), vec_cos_dist(alt_text_embedding, ?))
			ELSE vec_cos_dist(embedding, ?) END`
		distArgs = []any{blob, blob, blob}
	}

	threshold := o.Threshold
	if threshold <= 0 {
		threshold = DefaultVectorThreshold
	}
	order := "ASC"
	if o.Order == "desc" {
		order = "DESC"
	}

	q := `SELECT * FROM (
		SELECT ` + postColumns + `, ` + distExpr + ` AS dist FROM post
		WHERE ` + strings.Join(clauses, " AND ") + `
	) WHERE dist <= ? ORDER BY dist ` + order + ` LIMIT ?`

	queryArgs := append(distArgs, args...)
	queryArgs = append(queryArgs, threshold, o.limit())

	rows, err := s.db.QueryContext(ctx, q, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []*ScoredPost
	for rows.Next() {
		var sp ScoredPost
		p, err := scanPostInto(rows.Scan, &sp.Distance)
		if err != nil {
			return nil, fmt.Errorf("scan scored post: %w", err)
		}
		sp.Post = *p
		results = append(results, &sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scored posts: %w", err)
	}
	return results, nil
}

// scanPostInto scans the post columns plus any trailing columns.
func scanPostInto(scan func(dest ...any) error, extra ...any) (*domain.Post, error) {
	return scanPost(func(dest ...any) error {
		return scan(append(dest, extra...)...)
	})
}

// escapeLike escapes LIKE wildcards so the query matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
