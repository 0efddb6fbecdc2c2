// Package mock provides a deterministic [embeddings.Client] for tests.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// Client is an [embeddings.Client] producing deterministic pseudo-embeddings
// derived from the input text. Identical texts embed identically, so
// similarity-based dedup paths are exercisable without a real model.
//
// Safe for concurrent use.
type Client struct {
	mu sync.Mutex

	// Dim is the vector dimensionality. Defaults to 8.
	Dim int

	// Err, when set, is returned by every call.
	Err error

	// Fixed, when set, maps exact texts to fixed vectors, overriding the
	// hash-derived embedding.
	Fixed map[string][]float32

	// Calls counts Embed and EmbedBatch invocations.
	Calls int
}

var _ embeddings.Client = (*Client)(nil)

func (c *Client) dim() int {
	if c.Dim <= 0 {
		return 8
	}
	return c.Dim
}

func (c *Client) Embed(_ context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.Calls++
	err := c.Err
	fixed, hasFixed := c.Fixed[text]
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hasFixed {
		return fixed, nil
	}
	return derive(text, c.dim()), nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *Client) Dimensions() int { return c.dim() }

func (c *Client) ModelID() string { return "mock-embed" }

// derive produces a unit-ish vector from a text hash. Distinct texts yield
// distinct directions with high probability.
func derive(text string, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	out := make([]float32, dim)
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(int64(seed>>33)%1000) / 1000
	}
	return out
}
