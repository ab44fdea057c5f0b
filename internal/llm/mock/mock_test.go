package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedIsDeterministicForSameInput(t *testing.T) {
	c := New(8)
	a, err := c.Embed(context.Background(), "likes tea")
	require.NoError(t, err)
	b, err := c.Embed(context.Background(), "likes tea")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 8)
}

func TestEmbedDiffersForDifferentInput(t *testing.T) {
	c := New(8)
	a, _ := c.Embed(context.Background(), "likes tea")
	b, _ := c.Embed(context.Background(), "likes coffee")
	require.NotEqual(t, a, b)
}

func TestGenerateReturnsConfiguredResponseOrDefault(t *testing.T) {
	c := New(4)
	out, err := c.Generate(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, "[]", out)

	c.Response = `{"facts":[]}`
	out, err = c.Generate(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, `{"facts":[]}`, out)
}
