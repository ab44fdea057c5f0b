package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/kernel"
	"github.com/engram-ai/engram/internal/llm/mock"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/vectorindex/flat"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := flat.New(8)
	client := mock.New(8)
	cfg := config.Config{
		PolicyGatewayEnabled: true,
		Decay:                config.Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5},
	}
	k := kernel.New(store, idx, client, client, cfg)
	return NewServer(k)
}

func (s *Server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersionAreUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionAndUseItToCreateMemory(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions", "", map[string]any{
		"user_id":      "u1",
		"capabilities": []string{"propose_write", "search", "review_commits"},
		"namespaces":   []string{"default"},
		"ttl_minutes":  60,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sessResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessResp))
	token, _ := sessResp["token"].(string)
	require.NotEmpty(t, token)

	rec = s.do(t, http.MethodPost, "/v1/memories", token, map[string]any{
		"content": "Project codename is Atlas",
		"mode":    "direct",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestMemoriesRouteRejectsRequestsWithoutSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/memories", "", nil)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestCreateSessionRejectsMissingUserID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/sessions", "", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
