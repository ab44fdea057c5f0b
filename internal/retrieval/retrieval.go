// Package retrieval implements the dual retrieval engine — semantic and
// episodic candidate fan-out, intersection promotion, masking, and context
// packet assembly — §4.8.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/telemetry"
	"github.com/engram-ai/engram/internal/vectorindex"
)

var searchTracer = telemetry.Tracer()

// searchCounter tallies dual-retrieval searches, tagged by whether the
// caller had an episodic intersection boost applied. Instrument
// registration is best-effort: a no-op MeterProvider (the default until
// InitTracer's caller wires one up) never returns an error here.
var searchCounter, _ = telemetry.Meter().Int64Counter(
	"engram.retrieval.searches",
	metric.WithDescription("dual-retrieval searches executed"),
)

// Query is one dual-retrieval request.
type Query struct {
	Text      string
	UserID    string
	AgentID   *string
	Limit     int
	Categories []string
}

// Result is one masked, ranked memory in the response set.
type Result struct {
	Memory              storage.Memory
	BaseCompositeScore  float64
	IntersectionBoost   float64
	EpisodicMatch       bool
	Masked              bool
}

// ContextPacket is a token-budgeted set of snippets with citations.
type ContextPacket struct {
	Snippets  []string
	MemoryIDs []string
	SceneIDs  []string
}

// Trace records how a result set was assembled, for audit.
type Trace struct {
	Strategy           string
	SemanticCandidates int
	EpisodicCandidates int
	BoostedCount       int
	MaskedCount        int
	BoostWeight        float64
	BoostCap           float64
}

// Response is the full §4.8 return shape.
type Response struct {
	Results       []Result
	ContextPacket ContextPacket
	SceneHits     []storage.Scene
	Trace         Trace
}

const contextPacketTokenBudget = 2000 // approx chars budget shared by all snippets, see buildContextPacket
const minSemanticCandidates = 10
const minEpisodicCandidates = 5
const maxContextSnippets = 8

// Engine runs Search against one store/index/embedder.
type Engine struct {
	store *storage.Store
	index vectorindex.Index
	embed llm.Embedder
	cfg   config.Config
}

// New constructs an Engine.
func New(store *storage.Store, index vectorindex.Index, embed llm.Embedder, cfg config.Config) *Engine {
	return &Engine{store: store, index: index, embed: embed, cfg: cfg}
}

// Search executes the full dual-retrieval pipeline for sess, masking
// results sess isn't allowed to see.
func (e *Engine) Search(ctx context.Context, q Query, sess storage.Session) (Response, error) {
	ctx, span := searchTracer.Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(attribute.String("engram.user_id", q.UserID), attribute.Int("engram.limit", q.Limit))

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	semanticWant := limit * 2
	if semanticWant < minSemanticCandidates {
		semanticWant = minSemanticCandidates
	}
	episodicWant := limit
	if episodicWant < minEpisodicCandidates {
		episodicWant = minEpisodicCandidates
	}

	var (
		semanticHits []vectorindex.Hit
		sceneHits    []storage.Scene
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := e.embed.Embed(gctx, q.Text)
		if err != nil {
			return err
		}
		hits, err := e.index.Search(gctx, vec, semanticWant, vectorindex.Filter{UserID: q.UserID})
		if err != nil {
			return err
		}
		semanticHits = hits
		return nil
	})
	g.Go(func() error {
		// Scenes carry no namespace of their own (they're user-private
		// groupings); namespace masking is enforced per-memory below.
		scenes, err := e.store.ListScenesForUser(gctx, q.UserID, episodicWant)
		if err != nil {
			return err
		}
		sceneHits = scenes
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	semanticIDs := make([]string, len(semanticHits))
	scoreByID := make(map[string]float64, len(semanticHits))
	for i, h := range semanticHits {
		semanticIDs[i] = h.ID
		scoreByID[h.ID] = h.Score
	}
	memories, err := e.store.GetMemoriesBulk(ctx, semanticIDs)
	if err != nil {
		return Response{}, err
	}

	// Intersection set: every memory id referenced by a surviving scene.
	episodicMemberIDs := map[string]bool{}
	for _, sc := range sceneHits {
		ids, err := e.store.MemoryIDsForScene(ctx, sc.ID)
		if err != nil {
			return Response{}, err
		}
		for _, id := range ids {
			episodicMemberIDs[id] = true
		}
	}

	results := make([]Result, 0, len(memories))
	boostedCount := 0
	for _, m := range memories {
		if len(q.Categories) > 0 && !hasAnyCategory(m.Categories, q.Categories) {
			continue
		}
		base := scoreByID[m.ID]
		r := Result{Memory: m, BaseCompositeScore: base}
		if episodicMemberIDs[m.ID] {
			r.EpisodicMatch = true
			boost := e.cfg.DualIntersectionBoostWeight * base
			if boost > e.cfg.DualIntersectionBoostCap {
				boost = e.cfg.DualIntersectionBoostCap
			}
			r.IntersectionBoost = boost
			boostedCount++
		}
		results = append(results, r)
	}

	// Stable sort by composite score (base+boost) descending, preserving
	// original relative order among non-boosted items per §4.8 step 4.
	sort.SliceStable(results, func(i, j int) bool {
		return composite(results[i]) > composite(results[j])
	})

	maskedCount := 0
	for i := range results {
		m := results[i].Memory
		if !policy.AllowsScope(sess, m.ConfidentialityScope) || !policy.AllowsNamespace(sess, m.Namespace) {
			results[i].Masked = true
			maskedCount++
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}

	if q.AgentID != nil {
		ids := make([]string, 0, len(results))
		for _, r := range results {
			if !r.Masked {
				ids = append(ids, r.Memory.ID)
			}
		}
		for _, id := range ids {
			if err := e.store.AddRef(ctx, storage.MemoryRef{
				MemoryID: id, RefType: storage.RefWeak, Subscriber: *q.AgentID,
				ExpiresAt: timePtr(time.Now().UTC().Add(24 * time.Hour)),
			}); err != nil {
				return Response{}, err
			}
		}
	}

	packet := buildContextPacket(results)

	span.SetAttributes(
		attribute.Int("engram.results", len(results)),
		attribute.Int("engram.boosted_count", boostedCount),
		attribute.Int("engram.masked_count", maskedCount),
	)
	if searchCounter != nil {
		searchCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("engram.had_boost", boostedCount > 0)))
	}

	return Response{
		Results:       results,
		ContextPacket: packet,
		SceneHits:     sceneHits,
		Trace: Trace{
			Strategy:           "semantic_plus_episodic_intersection",
			SemanticCandidates: len(semanticHits),
			EpisodicCandidates: len(sceneHits),
			BoostedCount:       boostedCount,
			MaskedCount:        maskedCount,
			BoostWeight:        e.cfg.DualIntersectionBoostWeight,
			BoostCap:           e.cfg.DualIntersectionBoostCap,
		},
	}, nil
}

func composite(r Result) float64 {
	return r.BaseCompositeScore + r.IntersectionBoost
}

// buildContextPacket assembles up to maxContextSnippets unmasked results
// into a token-bounded snippet list with citations.
func buildContextPacket(results []Result) ContextPacket {
	var packet ContextPacket
	budget := contextPacketTokenBudget
	for _, r := range results {
		if r.Masked || len(packet.Snippets) >= maxContextSnippets {
			continue
		}
		snippet := r.Memory.Content
		if len(snippet) > budget {
			snippet = snippet[:budget]
		}
		budget -= len(snippet)
		if budget <= 0 && len(packet.Snippets) > 0 {
			break
		}
		packet.Snippets = append(packet.Snippets, snippet)
		packet.MemoryIDs = append(packet.MemoryIDs, r.Memory.ID)
		if r.Memory.SceneID != nil {
			packet.SceneIDs = append(packet.SceneIDs, *r.Memory.SceneID)
		}
	}
	return packet
}

func timePtr(t time.Time) *time.Time { return &t }

// hasAnyCategory reports whether a memory's category tags intersect the
// requested filter set, the thin category-layer refinement §4.8/SPEC_FULL's
// supplemented-features section adds on top of the semantic+episodic score.
func hasAnyCategory(tags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}
