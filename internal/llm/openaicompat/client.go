// Package openaicompat is a minimal HTTP JSON client against an
// OpenAI-compatible /v1/chat/completions and /v1/embeddings surface — the
// lowest-common-denominator API most self-hosted and hosted LLM providers
// expose. No generated gRPC/protobuf client is used here: see DESIGN.md
// for why the teacher's protobuf-based LLM client (pkg/agent/llm_grpc.go)
// was not carried forward.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	embedModel string
	dimension int
	http      *http.Client
}

// Config addresses one provider instance.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Dimension  int
	Timeout    time.Duration
}

// New constructs a Client. Timeout defaults to 60s when unset.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL, apiKey: cfg.APIKey, model: cfg.Model,
		embedModel: cfg.EmbedModel, dimension: cfg.Dimension,
		http: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate issues one non-streaming chat completion request.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := c.post(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openaicompat: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests one embedding vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := c.post(ctx, "/v1/embeddings", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openaicompat: empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// Dimension returns the configured embedding size.
func (c *Client) Dimension() int { return c.dimension }

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("openaicompat: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openaicompat: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
