package xrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePLC(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/did:plc:abc123":
			json.NewEncoder(w).Encode(map[string]any{
				"alsoKnownAs": []string{"at://alice.test"},
				"service": []map[string]any{
					{
						"id":              "#atproto_pds",
						"type":            "AtprotoPersonalDataServer",
						"serviceEndpoint": "https://pds.example.com",
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	r := NewResolverWithDirectory(ts.URL)
	ident, err := r.Resolve(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", ident.PDS)
	assert.Equal(t, "alice.test", ident.Handle)

	// Second resolution is served from the cache.
	_, err = r.Resolve(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestResolveCachesNegativeResults(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	r := NewResolverWithDirectory(ts.URL)
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "did:plc:missing")
		assert.ErrorIs(t, err, ErrDidNotFound)
	}
	assert.Equal(t, int64(1), hits.Load(), "negative result should be cached")
}

func TestResolveRejectsNonStringEndpoint(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"service": []map[string]any{
				{
					"id":              "#atproto_pds",
					"type":            "AtprotoPersonalDataServer",
					"serviceEndpoint": map[string]string{"uri": "https://pds.example.com"},
				},
			},
		})
	}))
	defer ts.Close()

	r := NewResolverWithDirectory(ts.URL)
	_, err := r.Resolve(context.Background(), "did:plc:odd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a string")
}

func TestResolveRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	r := NewResolverWithDirectory("http://unused.test")
	_, err := r.Resolve(context.Background(), "did:key:z6Mk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported did method")
}
