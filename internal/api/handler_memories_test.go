package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/retrieval"
	"github.com/engram-ai/engram/internal/storage"
)

func TestMaskSearchResponseRedactsDisallowedScopeResults(t *testing.T) {
	sess := storage.Session{UserID: "u1", AllowedScopes: []storage.ConfidentialityScope{storage.ScopeWork}}
	resp := retrieval.Response{
		Results: []retrieval.Result{
			{
				Memory: storage.Memory{
					ID: "m1", UserID: "u1", Content: "takes home 200k", Namespace: "default",
					ConfidentialityScope: storage.ScopeFinance, MemoryType: storage.MemoryTypeSemantic,
				},
				Masked: true,
			},
			{
				Memory: storage.Memory{
					ID: "m2", UserID: "u1", Content: "likes tea", Namespace: "default",
					ConfidentialityScope: storage.ScopeWork, MemoryType: storage.MemoryTypeSemantic,
				},
				Masked: false,
			},
		},
	}

	out := maskSearchResponse(sess, resp)
	require.Len(t, out.Results, 2)

	masked, ok := out.Results[0].Memory.(policy.MaskedResult)
	require.True(t, ok, "masked result should be the redacted shape, not the raw memory")
	require.Equal(t, "[REDACTED]", masked.Details)
	require.True(t, masked.Masked)

	unmasked, ok := out.Results[1].Memory.(storage.Memory)
	require.True(t, ok)
	require.Equal(t, "likes tea", unmasked.Content)
}
