// Package mock provides deterministic Generator/Embedder implementations
// for tests, in place of a real provider dependency.
package mock

import (
	"context"
	"hash/fnv"
)

// Client is a deterministic stand-in: Generate echoes a canned response (or
// a caller-supplied one), Embed derives a stable pseudo-embedding from the
// text's hash so repeated calls with the same input return the same
// vector, letting similarity-based tests be deterministic.
type Client struct {
	Response  string
	dimension int
}

// New constructs a mock client at the given embedding dimension.
func New(dimension int) *Client {
	return &Client{dimension: dimension}
}

func (c *Client) Generate(_ context.Context, prompt string) (string, error) {
	if c.Response != "" {
		return c.Response, nil
	}
	return "[]", nil
}

func (c *Client) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, c.dimension)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed)%1000) / 1000.0
	}
	return v, nil
}

func (c *Client) Dimension() int { return c.dimension }
