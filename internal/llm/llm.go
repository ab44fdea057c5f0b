// Package llm defines the provider-agnostic interfaces the kernel uses for
// fact extraction, fusion summaries, and embeddings. Per §1/§6, LLM and
// embedder providers are external collaborators specified only by their
// interface — exactly the pluggable-client shape the teacher's
// pkg/agent.LLMClient interface and config-selected provider
// (pkg/config/llm.go) model, generalized here to the two operations the
// kernel actually needs.
package llm

import "context"

// Generator produces text completions for fact extraction, interference
// classification, and fusion summaries.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a fixed-dimension vector for the vector index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
