package store

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/pinakes/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testPost(creator, rkey string, createdAt int64) *domain.Post {
	return &domain.Post{
		Creator:   creator,
		RKey:      rkey,
		CreatedAt: createdAt,
		Text:      "post " + rkey,
		Reason:    domain.ReasonSelf,
	}
}

// unitVec returns a 384-dimension vector with the given leading components
// and zeros elsewhere. It does not rescale; callers pass unit-length
// components where the length matters.
func unitVec(lead ...float32) []float32 {
	v := make([]float32, domain.EmbeddingDim)
	copy(v, lead)
	return v
}

func TestInsertAndGetPost(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	p := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	p.ReplyParent = "at://did:plc:bob/app.bsky.feed.post/3lk4xyz111111"
	p.ReplyRoot = "at://did:plc:bob/app.bsky.feed.post/3lk4xyy111111"
	p.AltText = "a red bicycle"
	p.Reason = domain.ReasonDescendantOf
	p.Context = "at://did:plc:bob/app.bsky.feed.post/3lk4xyz111111"
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{p}))

	got, err := st.GetPost(ctx, "did:plc:alice", "3lk4aaa111111")
	require.NoError(t, err)
	assert.Equal(t, p.Text, got.Text)
	assert.Equal(t, p.ReplyParent, got.ReplyParent)
	assert.Equal(t, p.AltText, got.AltText)
	assert.Equal(t, domain.ReasonDescendantOf, got.Reason)
	assert.Equal(t, p.Context, got.Context)

	_, err = st.GetPost(ctx, "did:plc:alice", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertPreservesEmbeddings(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	p := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	p.Embedding = unitVec(1)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{p}))

	// A re-observation without a vector must not erase the stored one.
	again := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	again.Text = "edited"
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{again}))

	got, err := st.GetPost(ctx, "did:plc:alice", "3lk4aaa111111")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
	require.NotNil(t, got.Embedding)
	assert.InDelta(t, 1.0, float64(got.Embedding[0]), 1e-6)

	// An explicit new vector does replace it.
	replaced := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	replaced.Embedding = unitVec(0, 1)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{replaced}))

	got, err = st.GetPost(ctx, "did:plc:alice", "3lk4aaa111111")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(got.Embedding[1]), 1e-6)
}

func TestSearchPostsTextFilters(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	day := int64(24 * time.Hour / time.Millisecond)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{
		testPost("did:plc:alice", "3lk4aaa111111", now-day),
		testPost("did:plc:alice", "3lk4bbb111111", now),
		testPost("did:plc:alice", "3lk4ccc111111", now+day),
	}))

	// Time window alone defines the set when the query is empty.
	got, err := st.SearchPostsText(ctx, "", SearchOptions{Before: now, After: now - 2*day})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3lk4aaa111111", got[0].RKey)
}

func TestSearchPostsTextMatchingAndOrder(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	a := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	a.Text = "grep is a fine tool"
	b := testPost("did:plc:bob", "3lk4bbb111111", 2000)
	b.Text = "nothing to see"
	b.AltText = "screenshot of grep output"
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{a, b}))

	got, err := st.SearchPostsText(ctx, "grep", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "did:plc:alice", got[0].Creator)

	got, err = st.SearchPostsText(ctx, "grep", SearchOptions{IncludeAltText: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Default order is newest first.
	assert.Equal(t, "did:plc:bob", got[0].Creator)

	got, err = st.SearchPostsText(ctx, "grep", SearchOptions{IncludeAltText: true, Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", got[0].Creator)
}

func TestSearchPostsTextCreatorAndAuthorFilters(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	a := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	b := testPost("did:plc:bob", "3lk4bbb111111", 2000)
	b.ReplyParent = "at://did:plc:alice/app.bsky.feed.post/3lk4aaa111111"
	b.ReplyRoot = "at://did:plc:carol/app.bsky.feed.post/3lk4root11111"
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{a, b}))

	got, err := st.SearchPostsText(ctx, "", SearchOptions{Creators: []string{"did:plc:bob"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "did:plc:bob", got[0].Creator)

	got, err = st.SearchPostsText(ctx, "", SearchOptions{ParentAuthors: []string{"did:plc:alice"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "did:plc:bob", got[0].Creator)

	got, err = st.SearchPostsText(ctx, "", SearchOptions{RootAuthors: []string{"did:plc:carol"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = st.SearchPostsText(ctx, "", SearchOptions{RootAuthors: []string{"did:plc:nobody"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchPostsVectorThreshold(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	// Distances to the query vector [1, 0, ...]: 1-0.7=0.3 and 1-0.3=0.7.
	near := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	near.Embedding = unitVec(0.7, sqrt32(1-0.7*0.7))
	far := testPost("did:plc:bob", "3lk4bbb111111", 2000)
	far.Embedding = unitVec(0.3, sqrt32(1-0.3*0.3))
	noVec := testPost("did:plc:carol", "3lk4ccc111111", 3000)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{near, far, noVec}))

	got, err := st.SearchPostsVector(ctx, unitVec(1), SearchOptions{Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "did:plc:alice", got[0].Creator)
	assert.InDelta(t, 0.3, got[0].Distance, 1e-3)

	// A wide threshold admits both embedded posts, nearest first.
	got, err = st.SearchPostsVector(ctx, unitVec(1), SearchOptions{Threshold: 0.9})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "did:plc:alice", got[0].Creator)
	assert.Equal(t, "did:plc:bob", got[1].Creator)
}

func TestSearchPostsVectorAltText(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	p := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	p.Embedding = unitVec(0, 1) // distance 1 on text
	p.AltTextEmbedding = unitVec(1)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{p}))

	// Without alt text the post is out of threshold.
	got, err := st.SearchPostsVector(ctx, unitVec(1), SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	// With alt text the better distance wins.
	got, err = st.SearchPostsVector(ctx, unitVec(1), SearchOptions{IncludeAltText: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0, got[0].Distance, 1e-3)
}

func TestRepoRev(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	rev, err := st.GetRepoRev(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Empty(t, rev)

	require.NoError(t, st.SetRepoRev(ctx, "did:plc:alice", "3lk4xyz111111"))
	require.NoError(t, st.SetRepoRev(ctx, "did:plc:alice", "3lk4zzz111111"))

	rev, err = st.GetRepoRev(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, "3lk4zzz111111", rev)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	_, err := st.GetConfig(ctx, "did")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, st.SetConfig(ctx, "did", "did:plc:alice"))
	require.NoError(t, st.SetConfig(ctx, "did", "did:plc:bob"))

	v, err := st.GetConfig(ctx, "did")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:bob", v)

	all, err := st.ListConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"did": "did:plc:bob"}, all)

	require.NoError(t, st.DeleteConfig(ctx, "did"))
	_, err = st.GetConfig(ctx, "did")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostsMissingEmbeddings(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()

	done := testPost("did:plc:alice", "3lk4aaa111111", 1000)
	done.Embedding = unitVec(1)
	todo := testPost("did:plc:alice", "3lk4bbb111111", 2000)
	require.NoError(t, st.InsertPosts(ctx, []*domain.Post{done, todo}))

	got, err := st.PostsMissingEmbeddings(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3lk4bbb111111", got[0].RKey)

	got, err = st.PostsMissingEmbeddings(ctx, true)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestVectorRoundTrip(t *testing.T) {
	t.Parallel()

	v := unitVec(0.25, -1, 3.5)
	decoded := DecodeVector(EncodeVector(v))
	assert.Equal(t, v, decoded)

	assert.Nil(t, EncodeVector(nil))
	assert.Nil(t, DecodeVector(nil))
	assert.Nil(t, DecodeVector([]byte{1, 2, 3})) // not a multiple of 4
}

func sqrt32(x float64) float32 {
	return float32(math.Sqrt(x))
}
