package backfill

import (
	"context"
	"fmt"

	"github.com/blackmichael/pinakes/internal/carfile"
	"github.com/blackmichael/pinakes/internal/domain"
)

// processRepo downloads and walks one repository. Failures fail this repo
// only; the crawl continues with others.
func (e *Engine) processRepo(ctx context.Context, t repoTask) error {
	data, err := e.fetch.GetRepo(ctx, t.did)
	if err != nil {
		return fmt.Errorf("fetch repo %s: %w", t.did, err)
	}
	return e.processRepoData(ctx, data, t)
}

func (e *Engine) processRepoData(ctx context.Context, data []byte, t repoTask) error {
	repo, err := carfile.ReadRepo(data)
	if err != nil {
		return fmt.Errorf("decode repo %s: %w", t.did, err)
	}

	lastRev, err := e.store.GetRepoRev(ctx, t.did)
	if err != nil {
		e.logger.Warn("repo rev lookup failed, crawling from scratch", "did", t.did, "error", err)
		lastRev = ""
	}
	// Only trust the skip when the stored rev is a plausible timestamp id.
	skip := lastRev != "" && isTID(lastRev)

	for {
		entry, ok := repo.Next()
		if !ok {
			break
		}
		// Records older than the last crawled revision were seen already.
		// Follows are exempt: the followed account may have new content
		// even when the follow record itself is old.
		if skip && entry.RKey < lastRev && entry.Collection != domain.CollectionFollow {
			continue
		}
		e.handleRecord(ctx, t, entry)
	}
	if err := repo.Err(); err != nil {
		return fmt.Errorf("walk repo %s: %w", t.did, err)
	}

	if err := e.store.SetRepoRev(ctx, t.did, repo.Rev); err != nil {
		e.logger.Error("persist repo rev failed", "did", t.did, "rev", repo.Rev, "error", err)
	}
	return nil
}

// handleRecord dispatches one repository record onto the queues. The user's
// own repo contributes posts, reposts, likes, and follows; other repos only
// posts and reposts.
func (e *Engine) handleRecord(ctx context.Context, t repoTask, entry carfile.Entry) {
	switch entry.Collection {
	case domain.CollectionPost, domain.CollectionRepost:
	case domain.CollectionLike, domain.CollectionFollow:
		if !t.own {
			return
		}
	default:
		return
	}

	rec, err := domain.DecodeRecordCBOR(entry.Collection, entry.Data)
	if err != nil {
		e.logger.Warn("malformed record", "did", t.did, "collection", entry.Collection, "rkey", entry.RKey, "error", err)
		return
	}

	switch rec := rec.(type) {
	case *domain.PostRecord:
		reason := domain.ReasonByFollow
		if t.own {
			reason = domain.ReasonSelf
		}
		uri := domain.ATURI{DID: t.did, Collection: domain.CollectionPost, RKey: entry.RKey}
		// The record is already in hand: prepend so it is consumed before
		// its bytes age in the queue.
		e.enqueuePost(ctx, postTask{
			uri:    uri.String(),
			reason: reason,
			record: rec,
		}, true)

	case *domain.RepostRecord:
		if rec.Subject.URI == "" {
			return
		}
		e.enqueuePost(ctx, postTask{
			uri:     rec.Subject.URI,
			reason:  domain.ReasonRepostedBy,
			context: t.did,
		}, false)

	case *domain.LikeRecord:
		if rec.Subject.URI == "" {
			return
		}
		e.enqueuePost(ctx, postTask{
			uri:    rec.Subject.URI,
			reason: domain.ReasonLikedBySelf,
		}, false)

	case *domain.FollowRecord:
		if rec.Subject == "" {
			return
		}
		if err := e.repoQ.Add(ctx, repoTask{did: rec.Subject}); err != nil {
			e.logger.Error("enqueue repo failed", "did", rec.Subject, "error", err)
		}
	}
}

func (e *Engine) enqueuePost(ctx context.Context, t postTask, front bool) {
	var err error
	if front {
		err = e.postQ.Prepend(ctx, t)
	} else {
		err = e.postQ.Add(ctx, t)
	}
	if err != nil {
		e.logger.Error("enqueue post failed", "uri", t.uri, "error", err)
	}
}

// isTID reports whether s looks like a timestamp identifier: 13 characters
// of base32-sortable alphabet.
func isTID(s string) bool {
	if len(s) != 13 {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}
