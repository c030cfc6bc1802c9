// Package backfill crawls the network outward from one account, indexing
// every post the account plausibly saw: its own posts, likes and reposts,
// posts by follows, and the surrounding thread and quote context.
package backfill

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/progress"
	"github.com/blackmichael/pinakes/internal/queue"
	"github.com/blackmichael/pinakes/internal/xrpc"
)

const (
	// DefaultMaxDepth is the traversal depth budget. Accounts following
	// more than followsThreshold accounts get reducedMaxDepth instead, or
	// the crawl would fan out into most of the network.
	DefaultMaxDepth  = 5
	reducedMaxDepth  = 2
	followsThreshold = 250

	// WritePostsBatchSize is how many posts accumulate before a flush.
	WritePostsBatchSize = 20

	threadViewTimeout = 10 * time.Second
	recordTimeout     = 15 * time.Second
	repoSoftTimeout   = 60 * time.Second

	// threadFetchDepth and threadFetchParents bound the thread view
	// requested from the appview; local traversal applies its own tighter
	// bound derived from the reply count.
	threadFetchDepth   = 50
	threadFetchParents = 50

	// noiseDID is the first-party service account whose posts are skipped
	// wholesale: replies to it are bot noise, not conversation.
	noiseDID = "did:plc:z72i7hdynmk6r22z27h6tvur"
)

// DefaultAppview is the public appview used when none is configured.
const DefaultAppview = config.DefaultAppview

// Fetcher is the slice of the RPC manager the engine consumes.
type Fetcher interface {
	GetRepo(ctx context.Context, did string) ([]byte, error)
	GetRecord(ctx context.Context, uri domain.ATURI) (json.RawMessage, error)
	GetPostThread(ctx context.Context, appview, uri string, depth, parentHeight int) (*xrpc.ThreadNode, error)
	GetProfile(ctx context.Context, appview, actor string) (*xrpc.ProfileView, error)
}

// Store is the slice of the persistence layer the engine consumes.
type Store interface {
	domain.PostStore
	domain.RepoStore
}

// Embedder computes dense vectors for batches of text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures a crawl.
type Options struct {
	// UserDID is the account whose view is being backfilled.
	UserDID string

	// MaxDepth overrides the depth budget when positive.
	MaxDepth int

	// Appview overrides the appview service URL.
	Appview string

	// Embedder, when non-nil, computes embeddings for flushed batches.
	Embedder Embedder
}

type repoTask struct {
	did string
	own bool
}

type postTask struct {
	uri     string
	reason  domain.InclusionReason
	context string
	depth   int

	// record and thread, when already known from a batch fetch, avoid a
	// refetch.
	record *domain.PostRecord
	thread *xrpc.ThreadNode
}

// Engine orchestrates the crawl over three queues: repositories, posts, and
// write/embedding batches.
type Engine struct {
	logger   *slog.Logger
	store    Store
	fetch    Fetcher
	emb      Embedder
	prog     *progress.Tracker
	appview  string
	userDID  string
	maxDepth int

	seenMu sync.Mutex
	seen   map[uint32]struct{}

	pendMu  sync.Mutex
	pending []*domain.Post

	repoQ *queue.Queue[repoTask]
	postQ *queue.Queue[postTask]
	embQ  *queue.Queue[[]*domain.Post]
}

// New creates an engine. prog may be nil when no display is wanted.
func New(logger *slog.Logger, st Store, fetch Fetcher, prog *progress.Tracker, opts Options) *Engine {
	appview := opts.Appview
	if appview == "" {
		appview = DefaultAppview
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{
		logger:   logger,
		store:    st,
		fetch:    fetch,
		emb:      opts.Embedder,
		prog:     prog,
		appview:  appview,
		userDID:  opts.UserDID,
		maxDepth: maxDepth,
		seen:     make(map[uint32]struct{}),
	}
}

// Run crawls the network starting from the user's repository and blocks
// until every queue drains.
func (e *Engine) Run(ctx context.Context) error {
	e.adjustDepth(ctx)
	return e.RunRepo(ctx, e.userDID)
}

// RunRepo crawls starting from an arbitrary repository. The full collection
// set (likes and follows included) applies only when the root is the
// configured user.
func (e *Engine) RunRepo(ctx context.Context, did string) error {
	e.startQueues(ctx)

	if err := e.repoQ.Add(ctx, repoTask{did: did, own: did == e.userDID}); err != nil {
		return err
	}
	return e.drain(ctx)
}

// RunFromCAR seeds the crawl from a local repository archive instead of the
// network, then drains the expansion queues as usual.
func (e *Engine) RunFromCAR(ctx context.Context, data []byte, did string) error {
	e.startQueues(ctx)

	if err := e.processRepoData(ctx, data, repoTask{did: did, own: did == e.userDID}); err != nil {
		return err
	}
	return e.drain(ctx)
}

// adjustDepth shrinks the depth budget for accounts with large follow
// graphs when the budget is DefaultMaxDepth. A depth pinned to any other
// value is kept; a depth pinned to the default is treated as unpinned.
func (e *Engine) adjustDepth(ctx context.Context) {
	if e.maxDepth != DefaultMaxDepth {
		return
	}
	profile, err := e.fetch.GetProfile(ctx, e.appview, e.userDID)
	if err != nil {
		e.logger.Warn("profile fetch failed, keeping default depth", "did", e.userDID, "error", err)
		return
	}
	if profile.FollowsCount > followsThreshold {
		e.logger.Info("large follow graph, reducing depth",
			"follows", profile.FollowsCount, "depth", reducedMaxDepth)
		e.maxDepth = reducedMaxDepth
	}
}

func (e *Engine) startQueues(ctx context.Context) {
	e.repoQ = queue.New(ctx, queue.Config{
		Hard:        20,
		Soft:        10,
		SoftTimeout: repoSoftTimeout,
		MaxSize:     1_000,
		OnEvent:     e.observer("repos"),
	}, e.processRepo)
	e.postQ = queue.New(ctx, queue.Config{
		Hard:    100,
		Soft:    25,
		MaxSize: 100_000,
		OnEvent: e.observer("posts"),
	}, e.processPost)
	e.embQ = queue.New(ctx, queue.Config{
		Hard:    1,
		OnEvent: e.observer("writes"),
	}, e.writeBatch)
}

// drain polls the queues until all three are simultaneously idle, then
// flushes the remaining write buffer.
func (e *Engine) drain(ctx context.Context) error {
	if err := e.drainQueues(ctx); err != nil {
		e.flushInterrupted()
		return err
	}

	// Whatever is left in the buffer goes out in one final batch.
	e.flush(ctx, true)
	return e.embQ.ProcessAll(ctx)
}

// drainQueues loops until every queue is empty. Draining one queue can
// enqueue work on another, so a single pass is not enough.
func (e *Engine) drainQueues(ctx context.Context) error {
	for {
		if err := e.repoQ.ProcessAll(ctx); err != nil {
			return err
		}
		if err := e.postQ.ProcessAll(ctx); err != nil {
			return err
		}
		if err := e.embQ.ProcessAll(ctx); err != nil {
			return err
		}
		if e.repoQ.Idle() && e.postQ.Idle() && e.embQ.Idle() {
			return nil
		}
	}
}

// flushInterrupted writes the pending buffer directly on an interrupted
// crawl, so work done before the signal is not lost.
func (e *Engine) flushInterrupted() {
	e.pendMu.Lock()
	batch := e.pending
	e.pending = nil
	e.pendMu.Unlock()
	if len(batch) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.InsertPosts(wctx, batch); err != nil {
		e.logger.Error("final flush failed", "posts", len(batch), "error", err)
	}
}

func (e *Engine) observer(name string) func(queue.Event) {
	return func(ev queue.Event) {
		switch ev.Kind {
		case queue.EventCompleted:
			if e.prog != nil {
				e.prog.Add(name, 1)
			}
		case queue.EventError:
			e.logger.Error("task failed", "queue", name, "error", ev.Err)
		}
	}
}

// markSeen records the URI hash and reports whether it was already present.
// Hashing the URI, not the record, is what breaks quote cycles.
func (e *Engine) markSeen(uri string) bool {
	h := fnv.New32a()
	h.Write([]byte(uri))
	key := h.Sum32()

	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seen[key]; ok {
		return true
	}
	e.seen[key] = struct{}{}
	return false
}

// buffer queues a post for persistence, flushing when the batch fills.
func (e *Engine) buffer(ctx context.Context, post *domain.Post) {
	e.pendMu.Lock()
	e.pending = append(e.pending, post)
	full := len(e.pending) >= WritePostsBatchSize
	e.pendMu.Unlock()
	if full {
		e.flush(ctx, false)
	}
}

// flush hands the pending batch to the write queue. The hand-off is
// fire-and-forget: ingest never waits for SQL or inference.
func (e *Engine) flush(ctx context.Context, force bool) {
	e.pendMu.Lock()
	if len(e.pending) == 0 || (!force && len(e.pending) < WritePostsBatchSize) {
		e.pendMu.Unlock()
		return
	}
	batch := e.pending
	e.pending = nil
	e.pendMu.Unlock()

	if err := e.embQ.Add(ctx, batch); err != nil {
		e.logger.Error("write batch enqueue failed", "posts", len(batch), "error", err)
	}
}
