// Package search is the read side of the index: substring and
// vector-similarity queries, plus inclusion-tree explanations.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/store"
)

// Resolver turns handles into DIDs.
type Resolver interface {
	ResolveHandle(ctx context.Context, appview, handle string) (string, error)
}

// Embedder computes the query vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Service wires the store to identifier resolution and the embedder.
type Service struct {
	store   *store.Store
	rpc     Resolver
	emb     Embedder
	appview string
}

// New creates a search service. rpc may be nil when callers pass DIDs only;
// emb may be nil when vector search is unused.
func New(st *store.Store, rpc Resolver, emb Embedder, appview string) *Service {
	return &Service{store: st, rpc: rpc, emb: emb, appview: appview}
}

// Text runs a substring search. Identifier options may be handles; they are
// resolved to DIDs first.
func (s *Service) Text(ctx context.Context, query string, o store.SearchOptions) ([]*domain.Post, error) {
	o, err := s.resolveOptions(ctx, o)
	if err != nil {
		return nil, err
	}
	return s.store.SearchPostsText(ctx, query, o)
}

// Vector embeds the query and ranks posts by cosine distance.
func (s *Service) Vector(ctx context.Context, query string, o store.SearchOptions) ([]*store.ScoredPost, error) {
	if s.emb == nil {
		return nil, fmt.Errorf("vector search requires an embedder")
	}
	o, err := s.resolveOptions(ctx, o)
	if err != nil {
		return nil, err
	}
	vecs, err := s.emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.store.SearchPostsVector(ctx, vecs[0], o)
}

// resolveOptions substitutes DIDs for any handles in the identifier options.
func (s *Service) resolveOptions(ctx context.Context, o store.SearchOptions) (store.SearchOptions, error) {
	var err error
	for _, ids := range []*[]string{&o.Creators, &o.ParentAuthors, &o.RootAuthors} {
		*ids, err = s.resolveActors(ctx, *ids)
		if err != nil {
			return o, err
		}
	}
	return o, nil
}

func (s *Service) resolveActors(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return ids, nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if strings.HasPrefix(id, "did:") {
			out[i] = id
			continue
		}
		if s.rpc == nil {
			return nil, fmt.Errorf("cannot resolve handle %q without network access", id)
		}
		did, err := s.rpc.ResolveHandle(ctx, s.appview, id)
		if err != nil {
			return nil, fmt.Errorf("resolve handle %q: %w", id, err)
		}
		out[i] = did
	}
	return out, nil
}
