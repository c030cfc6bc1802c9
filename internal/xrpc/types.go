package xrpc

import "encoding/json"

// Actor identifies an account in API views.
type Actor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// ProfileView is the subset of app.bsky.actor.getProfile we consume.
type ProfileView struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	FollowsCount int    `json:"followsCount"`
}

// RecordResponse is the body of com.atproto.repo.getRecord.
type RecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RecordView is an inlined view of a quoted record
// (app.bsky.embed.record#viewRecord and its wrappers).
type RecordView struct {
	Type     string          `json:"$type"`
	URI      string          `json:"uri"`
	CID      string          `json:"cid"`
	Author   Actor           `json:"author"`
	Value    json.RawMessage `json:"value"`
	NotFound bool            `json:"notFound,omitempty"`
	Blocked  bool            `json:"blocked,omitempty"`

	// Record carries the nested ref for recordWithMedia views.
	Record *RecordView `json:"record,omitempty"`
}

// EmbedView is the view-side union of post embeds; only record views are
// consumed.
type EmbedView struct {
	Type   string      `json:"$type"`
	Record *RecordView `json:"record,omitempty"`
}

// PostView is the subset of app.bsky.feed.defs#postView we consume.
type PostView struct {
	URI        string          `json:"uri"`
	CID        string          `json:"cid"`
	Author     Actor           `json:"author"`
	Record     json.RawMessage `json:"record"`
	Embed      *EmbedView      `json:"embed,omitempty"`
	ReplyCount int             `json:"replyCount"`
}

// QuotedView returns the inlined quoted record view, unwrapping the
// recordWithMedia nesting. Nil when the post embeds no record or the view
// carries no value.
func (p *PostView) QuotedView() *RecordView {
	if p == nil || p.Embed == nil || p.Embed.Record == nil {
		return nil
	}
	rv := p.Embed.Record
	if rv.URI == "" && rv.Record != nil {
		rv = rv.Record
	}
	if rv.URI == "" || len(rv.Value) == 0 {
		return nil
	}
	return rv
}

// Thread union $type discriminators.
const (
	TypeThreadViewPost = "app.bsky.feed.defs#threadViewPost"
	TypeNotFoundPost   = "app.bsky.feed.defs#notFoundPost"
	TypeBlockedPost    = "app.bsky.feed.defs#blockedPost"
)

// ThreadNode is one node of an app.bsky.feed.getPostThread response tree.
type ThreadNode struct {
	Type     string        `json:"$type"`
	Post     *PostView     `json:"post,omitempty"`
	Parent   *ThreadNode   `json:"parent,omitempty"`
	Replies  []*ThreadNode `json:"replies,omitempty"`
	URI      string        `json:"uri,omitempty"`
	NotFound bool          `json:"notFound,omitempty"`
	Blocked  bool          `json:"blocked,omitempty"`
}

// IsView reports whether the node is a real thread view with a post.
func (n *ThreadNode) IsView() bool {
	return n != nil && n.Type == TypeThreadViewPost && n.Post != nil
}

// threadResponse is the body of app.bsky.feed.getPostThread.
type threadResponse struct {
	Thread *ThreadNode `json:"thread"`
}

// resolveHandleResponse is the body of com.atproto.identity.resolveHandle.
type resolveHandleResponse struct {
	DID string `json:"did"`
}
