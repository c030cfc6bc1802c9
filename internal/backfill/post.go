package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/xrpc"
)

// processPost fetches, persists, and expands a single post. This is the
// expansion policy at the core of the crawl.
func (e *Engine) processPost(ctx context.Context, t postTask) error {
	if t.reason == "" {
		panic("post task without inclusion reason: " + t.uri)
	}
	if t.depth > e.maxDepth {
		return nil
	}

	uri, err := domain.ParseATURI(t.uri)
	if err != nil {
		e.logger.Warn("invalid post uri", "uri", t.uri, "error", err)
		return nil
	}
	// Likes and quotes can target feed generators, lists, and other
	// non-post records; only posts are indexed.
	if uri.Collection != domain.CollectionPost {
		return nil
	}
	if uri.DID == noiseDID {
		return nil
	}

	if e.markSeen(t.uri) {
		return nil
	}

	record, thread, err := e.resolveRecord(ctx, t, uri)
	if err != nil {
		return err
	}
	if record == nil {
		// Not found is the steady-state baseline for deleted posts; stay
		// quiet.
		return nil
	}

	createdAt, err := domain.ParseCreatedAt(record.CreatedAt)
	if err != nil {
		e.logger.Warn("post dropped", "uri", t.uri, "error", err)
		return nil
	}

	post := &domain.Post{
		Creator:   uri.DID,
		RKey:      uri.RKey,
		CreatedAt: createdAt,
		Text:      record.Text,
		AltText:   record.AltText(),
		Quoted:    record.QuotedURI(),
		Reason:    t.reason,
		Context:   t.context,
	}
	if record.Reply != nil {
		post.ReplyParent = record.Reply.Parent.URI
		post.ReplyRoot = record.Reply.Root.URI
	}
	if ext := record.ExternalEmbed(); ext != nil {
		post.EmbedTitle = ext.Title
		post.EmbedDescription = ext.Description
		post.EmbedURL = ext.URI
	}
	e.buffer(ctx, post)

	e.expandQuote(ctx, t, record, thread)
	e.expandLink(ctx, t, record)
	e.expandThread(ctx, t, record, thread)
	return nil
}

// resolveRecord produces the post record, fetching the thread view when the
// task carries nothing. (nil, nil, nil) means the post no longer exists.
func (e *Engine) resolveRecord(ctx context.Context, t postTask, uri domain.ATURI) (*domain.PostRecord, *xrpc.ThreadNode, error) {
	record := t.record
	thread := t.thread

	if record == nil && thread == nil {
		tctx, cancel := context.WithTimeout(ctx, threadViewTimeout)
		fetched, err := e.fetch.GetPostThread(tctx, e.appview, t.uri, threadFetchDepth, threadFetchParents)
		cancel()
		switch {
		case err == nil:
			thread = fetched
		case errors.Is(err, xrpc.ErrNotFound):
			return nil, nil, nil
		default:
			// The thread endpoint is flaky under load; a direct record
			// fetch still gets the post itself.
			rctx, cancel := context.WithTimeout(ctx, recordTimeout)
			raw, rerr := e.fetch.GetRecord(rctx, uri)
			cancel()
			if errors.Is(rerr, xrpc.ErrNotFound) {
				return nil, nil, nil
			}
			if rerr != nil {
				return nil, nil, fmt.Errorf("fetch record %s: %w", t.uri, rerr)
			}
			rec, derr := decodePostRecord(raw)
			if derr != nil {
				e.logger.Warn("malformed record", "uri", t.uri, "error", derr)
				return nil, nil, nil
			}
			record = rec
		}
	}

	if record == nil && thread.IsView() {
		rec, derr := decodePostRecord(thread.Post.Record)
		if derr != nil {
			e.logger.Warn("malformed thread record", "uri", t.uri, "error", derr)
			return nil, nil, nil
		}
		record = rec
	}
	return record, thread, nil
}

// expandQuote enqueues the quoted record. When the thread view inlines the
// quoted post, the record travels with the task and is consumed first.
func (e *Engine) expandQuote(ctx context.Context, t postTask, record *domain.PostRecord, thread *xrpc.ThreadNode) {
	quoted := record.QuotedURI()
	if quoted == "" {
		return
	}
	next := postTask{
		uri:     quoted,
		reason:  domain.ReasonQuotedBy,
		context: t.uri,
		depth:   t.depth + 1,
	}
	if thread.IsView() {
		if qv := thread.Post.QuotedView(); qv != nil && qv.URI == quoted && len(qv.Value) > 0 {
			if rec, err := decodePostRecord(qv.Value); err == nil {
				next.record = rec
				e.enqueuePost(ctx, next, true)
				return
			}
		}
	}
	e.enqueuePost(ctx, next, false)
}

// expandLink indexes link cards that point back into the network.
func (e *Engine) expandLink(ctx context.Context, t postTask, record *domain.PostRecord) {
	ext := record.ExternalEmbed()
	if ext == nil || !strings.HasPrefix(ext.URI, "at://") {
		return
	}
	e.enqueuePost(ctx, postTask{
		uri:     ext.URI,
		reason:  domain.ReasonLinkedBy,
		context: t.uri,
		depth:   t.depth + 1,
	}, false)
}

// expandThread applies the ancestor/descendant policy. How we expand depends
// on how this post was reached:
//
//   - descendants do not fan out again; the ancestor that queued them
//     already walked their siblings;
//   - replies reached as ancestors do not re-queue the root, the walk is
//     already going up;
//   - replies with depth budget left queue the thread root, whose own
//     processing fans out the whole conversation once;
//   - everything else fans out here: parents up, replies down.
func (e *Engine) expandThread(ctx context.Context, t postTask, record *domain.PostRecord, thread *xrpc.ThreadNode) {
	isReply := record.Reply != nil

	if t.reason == domain.ReasonDescendantOf {
		return
	}
	if isReply && t.reason == domain.ReasonAncestorOf {
		return
	}

	if isReply && t.depth+1 < e.maxDepth {
		root := record.Reply.Root.URI
		if root != "" {
			e.enqueuePost(ctx, postTask{
				uri:     root,
				reason:  domain.ReasonAncestorOf,
				context: t.uri,
				depth:   t.depth + 1,
			}, false)
		}
		return
	}

	if !thread.IsView() {
		fetched := e.fetchThread(ctx, t.uri)
		if fetched == nil {
			// No thread view to walk; the reply refs are the fallback.
			if isReply {
				for _, ancestor := range []string{record.Reply.Parent.URI, record.Reply.Root.URI} {
					if ancestor == "" || ancestor == t.uri {
						continue
					}
					e.enqueuePost(ctx, postTask{
						uri:     ancestor,
						reason:  domain.ReasonAncestorOf,
						context: t.uri,
						depth:   t.depth + 1,
					}, false)
				}
			}
			return
		}
		thread = fetched
	}

	e.walkParents(ctx, t, thread)
	levels := threadDepthFor(thread.Post.ReplyCount)
	e.walkReplies(ctx, t, thread.Replies, levels)
}

func (e *Engine) fetchThread(ctx context.Context, uri string) *xrpc.ThreadNode {
	tctx, cancel := context.WithTimeout(ctx, threadViewTimeout)
	defer cancel()
	thread, err := e.fetch.GetPostThread(tctx, e.appview, uri, threadFetchDepth, threadFetchParents)
	if err != nil || !thread.IsView() {
		return nil
	}
	return thread
}

// walkParents climbs the inlined ancestor chain. A blocked or missing
// parent is enqueued opaquely and terminates the walk; whatever is above it
// is unreachable from here.
func (e *Engine) walkParents(ctx context.Context, t postTask, thread *xrpc.ThreadNode) {
	for node := thread.Parent; node != nil; node = node.Parent {
		if !node.IsView() {
			if node.URI != "" {
				e.enqueuePost(ctx, postTask{
					uri:     node.URI,
					reason:  domain.ReasonAncestorOf,
					context: t.uri,
					depth:   t.depth + 1,
				}, false)
			}
			return
		}
		next := postTask{
			uri:     node.Post.URI,
			reason:  domain.ReasonAncestorOf,
			context: t.uri,
			depth:   t.depth + 1,
		}
		if rec, err := decodePostRecord(node.Post.Record); err == nil {
			next.record = rec
		}
		e.enqueuePost(ctx, next, next.record != nil)
	}
}

// walkReplies descends the inlined reply tree, at most levels deep.
func (e *Engine) walkReplies(ctx context.Context, t postTask, replies []*xrpc.ThreadNode, levels int) {
	if levels <= 0 {
		return
	}
	for _, node := range replies {
		if !node.IsView() {
			continue
		}
		next := postTask{
			uri:     node.Post.URI,
			reason:  domain.ReasonDescendantOf,
			context: t.uri,
			depth:   t.depth + 1,
		}
		if rec, err := decodePostRecord(node.Post.Record); err == nil {
			next.record = rec
		}
		e.enqueuePost(ctx, next, next.record != nil)
		e.walkReplies(ctx, t, node.Replies, levels-1)
	}
}

// threadDepthFor bounds reply-tree traversal by the conversation size:
// small threads are walked deep, big threads shallow. The scale
// interpolates between 5 replies / 20 levels and 200 replies / 3 levels
// against the logarithm of the count.
func threadDepthFor(replyCount int) int {
	return int(math.Round(logScale(5, 200, 20, 3, float64(replyCount))))
}

func logScale(domainLo, domainHi, rangeLo, rangeHi, x float64) float64 {
	if x <= domainLo {
		return rangeLo
	}
	if x >= domainHi {
		return rangeHi
	}
	ratio := (math.Log(x) - math.Log(domainLo)) / (math.Log(domainHi) - math.Log(domainLo))
	return rangeLo + ratio*(rangeHi-rangeLo)
}

func decodePostRecord(raw json.RawMessage) (*domain.PostRecord, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty record")
	}
	var rec domain.PostRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode post record: %w", err)
	}
	return &rec, nil
}
