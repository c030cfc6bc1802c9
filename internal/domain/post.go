package domain

import (
	"fmt"
	"strings"
)

// EmbeddingDim is the dimension of the dense vectors stored alongside posts.
const EmbeddingDim = 384

// InclusionReason records why a post is part of the index.
type InclusionReason string

const (
	// ReasonSelf marks a post authored by the index owner.
	ReasonSelf InclusionReason = "self"

	// ReasonLikedBySelf marks a post the index owner liked.
	ReasonLikedBySelf InclusionReason = "liked_by_self"

	// ReasonRepostedBy marks a post reposted by an indexed account; the
	// context is the reposter's DID.
	ReasonRepostedBy InclusionReason = "reposted_by"

	// ReasonAncestorOf marks a post found by walking up a reply chain; the
	// context is the URI of the descendant that led here.
	ReasonAncestorOf InclusionReason = "ancestor_of"

	// ReasonDescendantOf marks a post found by fanning out a thread; the
	// context is the URI of the post whose thread was expanded.
	ReasonDescendantOf InclusionReason = "descendant_of"

	// ReasonQuotedBy marks a post embedded as a quote; the context is the
	// URI of the quoting post.
	ReasonQuotedBy InclusionReason = "quoted_by"

	// ReasonLinkedBy marks a record referenced by an external link card; the
	// context is the URI of the linking post.
	ReasonLinkedBy InclusionReason = "linked_by"

	// ReasonByFollow marks a post authored by an account the owner follows.
	ReasonByFollow InclusionReason = "by_follow"
)

// NeedsContext reports whether a reason requires a non-empty inclusion
// context.
func (r InclusionReason) NeedsContext() bool {
	switch r {
	case ReasonRepostedBy, ReasonAncestorOf, ReasonDescendantOf, ReasonQuotedBy, ReasonLinkedBy:
		return true
	}
	return false
}

// Post represents an indexed post stored in our database. It is identified by
// (Creator, RKey).
type Post struct {
	// Creator is the DID of the post's author.
	Creator string

	// RKey is the record key within the author's post collection. Record
	// keys are timestamp-prefixed, so lexicographic order approximates
	// creation order.
	RKey string

	// CreatedAt is the author-declared creation time in epoch milliseconds.
	CreatedAt int64

	// Text is the post body; may be empty.
	Text string

	// AltText is the concatenation of per-image alt texts, if any.
	AltText string

	// Embedding and AltTextEmbedding are normalized EmbeddingDim-dimension
	// vectors, filled in lazily by the embedding pipeline. Nil until then.
	Embedding        []float32
	AltTextEmbedding []float32

	// ReplyParent and ReplyRoot are the AT-URIs of the direct parent and
	// thread root when the post is a reply.
	ReplyParent string
	ReplyRoot   string

	// Quoted is the AT-URI of a quoted record, if any.
	Quoted string

	// External link card fields, if any.
	EmbedTitle       string
	EmbedDescription string
	EmbedURL         string

	// Reason records why this post is in the index; Context carries the
	// reason-dependent detail (see InclusionReason).
	Reason  InclusionReason
	Context string
}

// URI returns the canonical AT-URI of the post.
func (p *Post) URI() string {
	return "at://" + p.Creator + "/" + CollectionPost + "/" + p.RKey
}

// IsReply reports whether the post is part of a reply chain.
func (p *Post) IsReply() bool {
	return p.ReplyParent != "" || p.ReplyRoot != ""
}

// ATURI is a parsed at:// resource URI.
type ATURI struct {
	DID        string
	Collection string
	RKey       string
}

// String reassembles the canonical form of the URI.
func (u ATURI) String() string {
	return "at://" + u.DID + "/" + u.Collection + "/" + u.RKey
}

// ParseATURI parses a URI of the form at://<did>/<collection>/<rkey>.
func ParseATURI(uri string) (ATURI, error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ATURI{}, fmt.Errorf("not an at:// uri: %q", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ATURI{}, fmt.Errorf("malformed at:// uri: %q", uri)
	}
	if !strings.HasPrefix(parts[0], "did:") {
		return ATURI{}, fmt.Errorf("at:// uri authority is not a did: %q", uri)
	}
	return ATURI{DID: parts[0], Collection: parts[1], RKey: parts[2]}, nil
}
