// Package store persists the index in an embedded sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/pinakes/internal/domain"
)

// Config keys the CLI is allowed to touch.
var ConfigKeys = []string{"did", "appview"}

// IsConfigKey reports whether key is one of the known config keys.
func IsConfigKey(key string) bool {
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

const schema = `
CREATE TABLE IF NOT EXISTS post (
	creator            TEXT NOT NULL,
	rkey               TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	text               TEXT NOT NULL DEFAULT '',
	embedding          BLOB,
	alt_text           TEXT,
	alt_text_embedding BLOB,
	reply_parent       TEXT,
	reply_root         TEXT,
	quoted             TEXT,
	embed_title        TEXT,
	embed_description  TEXT,
	embed_url          TEXT,
	inclusion_reason   TEXT NOT NULL,
	inclusion_context  TEXT,
	PRIMARY KEY (creator, rkey)
);
CREATE INDEX IF NOT EXISTS idx_post_creator ON post (creator);

CREATE TABLE IF NOT EXISTS repo (
	did TEXT PRIMARY KEY,
	rev TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements domain.PostStore, domain.RepoStore, and
// domain.ConfigStore over sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Pass ":memory:" for an in-memory database. The caller
// should call Close when done.
func Open(path string) (*Store, error) {
	registerVectorFunc()

	dsn := path
	if path != ":memory:" {
		// WAL and a lock timeout for file-backed databases.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single pooled connection also keeps
	// :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertPostQuery = `
INSERT INTO post (
	creator, rkey, created_at, text, embedding, alt_text, alt_text_embedding,
	reply_parent, reply_root, quoted, embed_title, embed_description, embed_url,
	inclusion_reason, inclusion_context
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (creator, rkey) DO UPDATE SET
	created_at         = excluded.created_at,
	text               = excluded.text,
	embedding          = COALESCE(excluded.embedding, post.embedding),
	alt_text           = excluded.alt_text,
	alt_text_embedding = COALESCE(excluded.alt_text_embedding, post.alt_text_embedding),
	reply_parent       = excluded.reply_parent,
	reply_root         = excluded.reply_root,
	quoted             = excluded.quoted,
	embed_title        = excluded.embed_title,
	embed_description  = excluded.embed_description,
	embed_url          = excluded.embed_url,
	inclusion_reason   = excluded.inclusion_reason,
	inclusion_context  = excluded.inclusion_context`

// InsertPosts upserts a batch of posts in one transaction. Non-key fields
// take the incoming value, except that a stored non-null embedding survives
// an incoming null: embeddings are computed lazily and re-observations must
// not erase them.
func (s *Store) InsertPosts(ctx context.Context, posts []*domain.Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertPostQuery)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range posts {
		_, err := stmt.ExecContext(ctx,
			p.Creator,
			p.RKey,
			p.CreatedAt,
			p.Text,
			EncodeVector(p.Embedding),
			nullString(p.AltText),
			EncodeVector(p.AltTextEmbedding),
			nullString(p.ReplyParent),
			nullString(p.ReplyRoot),
			nullString(p.Quoted),
			nullString(p.EmbedTitle),
			nullString(p.EmbedDescription),
			nullString(p.EmbedURL),
			string(p.Reason),
			nullString(p.Context),
		)
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.URI(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const postColumns = `creator, rkey, created_at, text, embedding, alt_text, alt_text_embedding,
	reply_parent, reply_root, quoted, embed_title, embed_description, embed_url,
	inclusion_reason, inclusion_context`

// GetPost retrieves a post by primary key. Returns domain.ErrNotFound when
// the post is not indexed.
func (s *Store) GetPost(ctx context.Context, creator, rkey string) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM post WHERE creator = ? AND rkey = ?`,
		creator, rkey,
	)
	p, err := scanPost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}
	return p, nil
}

// PostsMissingEmbeddings returns posts whose vectors have not been computed
// yet. With force, every post with any text is returned instead.
func (s *Store) PostsMissingEmbeddings(ctx context.Context, force bool) ([]*domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM post
		WHERE (embedding IS NULL AND text != '')
		   OR (alt_text_embedding IS NULL AND alt_text IS NOT NULL)`
	if force {
		query = `SELECT ` + postColumns + ` FROM post
			WHERE text != '' OR alt_text IS NOT NULL`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query posts missing embeddings: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// GetRepoRev returns the highest commit revision seen for a repository, or
// "" when the repository has never been crawled.
func (s *Store) GetRepoRev(ctx context.Context, did string) (string, error) {
	var rev string
	err := s.db.QueryRowContext(ctx, `SELECT rev FROM repo WHERE did = ?`, did).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query repo rev: %w", err)
	}
	return rev, nil
}

// SetRepoRev upserts the revision for a repository, last writer wins.
func (s *Store) SetRepoRev(ctx context.Context, did, rev string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repo (did, rev) VALUES (?, ?)
		ON CONFLICT (did) DO UPDATE SET rev = excluded.rev`,
		did, rev,
	)
	if err != nil {
		return fmt.Errorf("set repo rev: %w", err)
	}
	return nil
}

// GetConfig retrieves a config value. Returns domain.ErrNotFound when the
// key is unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query config: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// DeleteConfig removes a config key; deleting an absent key is not an error.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

// ListConfig returns all stored config keys and values.
func (s *Store) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanPost(scan func(dest ...any) error) (*domain.Post, error) {
	var p domain.Post
	var embedding, altEmbedding []byte
	var altText, replyParent, replyRoot sql.NullString
	var quoted, embedTitle, embedDesc sql.NullString
	var embedURL, reason, inclusionCtx sql.NullString
	err := scan(
		&p.Creator, &p.RKey, &p.CreatedAt, &p.Text,
		&embedding, &altText, &altEmbedding,
		&replyParent, &replyRoot, &quoted,
		&embedTitle, &embedDesc, &embedURL,
		&reason, &inclusionCtx,
	)
	if err != nil {
		return nil, err
	}
	p.Embedding = DecodeVector(embedding)
	p.AltTextEmbedding = DecodeVector(altEmbedding)
	p.AltText = altText.String
	p.ReplyParent = replyParent.String
	p.ReplyRoot = replyRoot.String
	p.Quoted = quoted.String
	p.EmbedTitle = embedTitle.String
	p.EmbedDescription = embedDesc.String
	p.EmbedURL = embedURL.String
	p.Reason = domain.InclusionReason(reason.String)
	p.Context = inclusionCtx.String
	return &p, nil
}

func collectPosts(rows *sql.Rows) ([]*domain.Post, error) {
	var posts []*domain.Post
	for rows.Next() {
		p, err := scanPost(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}
