// Package embedder turns text into fixed-dimension dense vectors using an
// Ollama-compatible embedding endpoint.
package embedder

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/blackmichael/pinakes/internal/domain"
)

// Config selects the embedding endpoint and model.
type Config struct {
	// BaseURL of the Ollama server; defaults to http://localhost:11434.
	BaseURL string

	// Model name; defaults to all-minilm, which produces the 384-dimension
	// vectors the store expects.
	Model string
}

// Client is a lazy embedding client: no connection is made until the first
// Embed call.
type Client struct {
	cfg Config

	once       sync.Once
	httpClient *http.Client
}

// New creates a client; missing config fields take defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "all-minilm"
	}
	return &Client{cfg: cfg}
}

// Embed computes normalized embeddings for a batch of texts. The result is
// positionally aligned with the input.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	c.once.Do(func() {
		c.httpClient = &http.Client{Timeout: 2 * time.Minute}
	})

	vecs, err := c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != domain.EmbeddingDim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), domain.EmbeddingDim)
		}
		normalize(v)
	}
	return vecs, nil
}

func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
