package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// AT Proto collection NSIDs this indexer understands.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionLike   = "app.bsky.feed.like"
	CollectionFollow = "app.bsky.graph.follow"
)

// StrongRef is a reference to a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef contains references to the parent and root of a reply chain.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// ImageItem is a single attached image; only the alt text is consumed.
type ImageItem struct {
	Alt string `json:"alt"`
}

// External is the content of an external link card.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// EmbedRecord covers the two quote shapes: app.bsky.embed.record carries the
// strong ref directly, app.bsky.embed.recordWithMedia nests it one level
// deeper.
type EmbedRecord struct {
	URI    string     `json:"uri"`
	CID    string     `json:"cid"`
	Record *StrongRef `json:"record"`
}

// Embed is the union of post embed shapes, discriminated by $type.
type Embed struct {
	Type     string       `json:"$type"`
	Images   []ImageItem  `json:"images,omitempty"`
	External *External    `json:"external,omitempty"`
	Record   *EmbedRecord `json:"record,omitempty"`
	Media    *Embed       `json:"media,omitempty"`
}

// PostRecord is the content of an app.bsky.feed.post record.
type PostRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// RepostRecord is the content of an app.bsky.feed.repost record.
type RepostRecord struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// LikeRecord is the content of an app.bsky.feed.like record.
type LikeRecord struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// FollowRecord is the content of an app.bsky.graph.follow record. Subject is
// the followed account's DID.
type FollowRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// QuotedURI returns the AT-URI of the record quoted by the post, or "".
func (r *PostRecord) QuotedURI() string {
	e := r.Embed
	if e == nil || e.Record == nil {
		return ""
	}
	if e.Record.URI != "" {
		return e.Record.URI
	}
	if e.Record.Record != nil {
		return e.Record.Record.URI
	}
	return ""
}

// AltText joins the alt texts of all attached images. Images may live on the
// embed directly or under the media half of a recordWithMedia embed.
func (r *PostRecord) AltText() string {
	e := r.Embed
	if e == nil {
		return ""
	}
	images := e.Images
	if len(images) == 0 && e.Media != nil {
		images = e.Media.Images
	}
	var parts []string
	for _, img := range images {
		if img.Alt != "" {
			parts = append(parts, img.Alt)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ExternalEmbed returns the link card of the post, looking through the media
// half of a recordWithMedia embed. Nil when the post has none.
func (r *PostRecord) ExternalEmbed() *External {
	e := r.Embed
	if e == nil {
		return nil
	}
	if e.External != nil {
		return e.External
	}
	if e.Media != nil {
		return e.Media.External
	}
	return nil
}

// ParseCreatedAt converts a record's createdAt timestamp to epoch
// milliseconds.
func ParseCreatedAt(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.999999999Z0700", s)
		if err != nil {
			return 0, fmt.Errorf("parse createdAt %q: %w", s, err)
		}
	}
	return t.UnixMilli(), nil
}

// DecodeRecordCBOR decodes the dag-cbor bytes of a record from one of the
// known collections. Unknown collections decode to (nil, nil).
func DecodeRecordCBOR(collection string, data []byte) (any, error) {
	switch collection {
	case CollectionPost:
		var rec PostRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode post record: %w", err)
		}
		return &rec, nil
	case CollectionRepost:
		var rec RepostRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode repost record: %w", err)
		}
		return &rec, nil
	case CollectionLike:
		var rec LikeRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode like record: %w", err)
		}
		return &rec, nil
	case CollectionFollow:
		var rec FollowRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode follow record: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}
