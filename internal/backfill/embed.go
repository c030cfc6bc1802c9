package backfill

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/pinakes/internal/domain"
)

// writeBatch persists a flushed batch and, when an embedder is configured,
// computes its vectors and writes the rows again. The double write is
// cheaper than blocking ingest on inference.
func (e *Engine) writeBatch(ctx context.Context, posts []*domain.Post) error {
	if err := e.store.InsertPosts(ctx, posts); err != nil {
		return fmt.Errorf("insert batch of %d posts: %w", len(posts), err)
	}
	if e.emb == nil {
		return nil
	}

	if err := ComputeEmbeddings(ctx, e.emb, posts); err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if err := e.store.InsertPosts(ctx, posts); err != nil {
		return fmt.Errorf("write embeddings for %d posts: %w", len(posts), err)
	}
	if e.prog != nil {
		e.prog.Add("embeddings", int64(len(posts)))
	}
	return nil
}

// ComputeEmbeddings fills in the text and alt-text vectors of the given
// posts in place. The two batched inference calls run in parallel; vectors
// are assigned back by position.
func ComputeEmbeddings(ctx context.Context, emb Embedder, posts []*domain.Post) error {
	var textIdx, altIdx []int
	var texts, alts []string
	for i, p := range posts {
		if p.Text != "" && p.Embedding == nil {
			textIdx = append(textIdx, i)
			texts = append(texts, p.Text)
		}
		if p.AltText != "" && p.AltTextEmbedding == nil {
			altIdx = append(altIdx, i)
			alts = append(alts, p.AltText)
		}
	}
	if len(texts) == 0 && len(alts) == 0 {
		return nil
	}

	var textVecs, altVecs [][]float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		textVecs, err = emb.Embed(gctx, texts)
		return err
	})
	g.Go(func() error {
		var err error
		altVecs, err = emb.Embed(gctx, alts)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for j, i := range textIdx {
		posts[i].Embedding = textVecs[j]
	}
	for j, i := range altIdx {
		posts[i].AltTextEmbedding = altVecs[j]
	}
	return nil
}
