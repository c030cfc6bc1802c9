package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/store"
)

type fakeResolver struct {
	handles map[string]string
	calls   int
}

func (r *fakeResolver) ResolveHandle(_ context.Context, _, handle string) (string, error) {
	r.calls++
	did, ok := r.handles[handle]
	if !ok {
		return "", assert.AnError
	}
	return did, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func insertPost(t *testing.T, st *store.Store, p *domain.Post) {
	t.Helper()
	require.NoError(t, st.InsertPosts(context.Background(), []*domain.Post{p}))
}

func TestTextResolvesHandles(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	insertPost(t, st, &domain.Post{
		Creator:   "did:plc:alice",
		RKey:      "3lk4aaa222222",
		CreatedAt: 1000,
		Text:      "hello from alice",
		Reason:    domain.ReasonSelf,
	})

	resolver := &fakeResolver{handles: map[string]string{"alice.test": "did:plc:alice"}}
	svc := New(st, resolver, nil, "https://appview.test")

	got, err := svc.Text(context.Background(), "", store.SearchOptions{Creators: []string{"alice.test"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "did:plc:alice", got[0].Creator)
	assert.Equal(t, 1, resolver.calls)

	// DIDs pass through without resolution.
	_, err = svc.Text(context.Background(), "", store.SearchOptions{Creators: []string{"did:plc:alice"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)
}

func TestTextUnresolvableHandle(t *testing.T) {
	t.Parallel()

	svc := New(testStore(t), &fakeResolver{}, nil, "https://appview.test")
	_, err := svc.Text(context.Background(), "", store.SearchOptions{Creators: []string{"nobody.test"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody.test")
}

func TestVectorWithoutEmbedder(t *testing.T) {
	t.Parallel()

	svc := New(testStore(t), nil, nil, "")
	_, err := svc.Vector(context.Background(), "anything", store.SearchOptions{})
	require.Error(t, err)
}
