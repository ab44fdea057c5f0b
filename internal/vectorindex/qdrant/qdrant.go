// Package qdrant is the external-ANN-server implementation of
// vectorindex.Index, wrapping github.com/qdrant/go-client — the same
// client ashita-ai/akashi's manifest and intelligencedev/manifold's
// manifest use for their own memory/vector stores.
package qdrant

import (
	"context"
	"fmt"

	qc "github.com/qdrant/go-client/qdrant"

	"github.com/engram-ai/engram/internal/vectorindex"
)

// Index wraps a qdrant collection fixed at a given dimension, matching the
// embedder's output size.
type Index struct {
	client     *qc.Client
	collection string
	dimension  uint64
}

// Config addresses a qdrant server.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// New connects to qdrant and ensures the configured collection exists with
// the requested vector size and cosine distance, mirroring the teacher's
// pattern of an idempotent "ensure schema" step on client construction
// (runMigrations for sqlite, EnsureCollection here).
func New(ctx context.Context, cfg Config) (*Index, error) {
	client, err := qc.NewClient(&qc.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex/qdrant: connecting: %w", err)
	}

	idx := &Index{client: client, collection: cfg.Collection, dimension: uint64(cfg.Dimension)}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("vectorindex/qdrant: checking collection: %w", err)
	}
	if exists {
		return nil
	}
	err = idx.client.CreateCollection(ctx, &qc.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qc.NewVectorsConfig(&qc.VectorParams{
			Size:     idx.dimension,
			Distance: qc.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorindex/qdrant: creating collection: %w", err)
	}
	return nil
}

func (idx *Index) Insert(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	values := make(map[string]any, len(payload))
	for k, v := range payload {
		values[k] = v
	}
	_, err := idx.client.Upsert(ctx, &qc.UpsertPoints{
		CollectionName: idx.collection,
		Points: []*qc.PointStruct{
			{
				Id:      qc.NewID(id),
				Vectors: qc.NewVectors(vector...),
				Payload: qc.NewValueMap(values),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex/qdrant: upsert: %w", err)
	}
	return nil
}

func (idx *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qc.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qc.NewID(id)
	}
	_, err := idx.client.Delete(ctx, &qc.DeletePoints{
		CollectionName: idx.collection,
		Points:         qc.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("vectorindex/qdrant: delete: %w", err)
	}
	return nil
}

func (idx *Index) Search(ctx context.Context, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Hit, error) {
	limit := uint64(topK)
	points, err := idx.client.Query(ctx, &qc.QueryPoints{
		CollectionName: idx.collection,
		Query:          qc.NewQuery(vector...),
		Filter:         buildFilter(filter),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex/qdrant: query: %w", err)
	}
	hits := make([]vectorindex.Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, vectorindex.Hit{ID: p.Id.GetUuid(), Score: float64(p.Score)})
	}
	return hits, nil
}

func buildFilter(f vectorindex.Filter) *qc.Filter {
	var must []*qc.Condition
	add := func(key, value string) {
		if value != "" {
			must = append(must, qc.NewMatch(key, value))
		}
	}
	add("user_id", f.UserID)
	add("agent_id", f.AgentID)
	add("namespace", f.Namespace)
	add("memory_type", f.MemoryType)
	if len(must) == 0 {
		return nil
	}
	return &qc.Filter{Must: must}
}
