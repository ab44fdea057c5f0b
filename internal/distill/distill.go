// Package distill implements the replay distiller: batched episodic-to-
// semantic consolidation with provenance — §4.7.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/storage"
)

// Engine batches episodic memories and extracts semantic facts via an LLM.
type Engine struct {
	store *storage.Store
	gen   llm.Generator
	cfg   config.Distillation
	decay config.Decay
}

// New constructs an Engine.
func New(store *storage.Store, gen llm.Generator, cfg config.Config) *Engine {
	return &Engine{store: store, gen: gen, cfg: cfg.Distillation, decay: cfg.Decay}
}

// extractedFact is the strict JSON shape an LLM is prompted to emit.
type extractedFact struct {
	Content        string   `json:"content"`
	Importance     float64  `json:"importance"`
	SourceEpisodes []string `json:"source_episodes"`
	Reasoning      string   `json:"reasoning,omitempty"`
}

// Run distills one user's episodic memories from the given window (or all
// non-immutable episodic memories already pre-filtered by caller) into
// semantic facts. Returns the persisted log row.
func (e *Engine) Run(ctx context.Context, userID string, episodes []storage.Memory) (storage.DistillationLog, error) {
	log := storage.DistillationLog{UserID: userID, RunAt: time.Now().UTC(), EpisodesConsidered: len(episodes)}

	if len(episodes) < e.cfg.MinEpisodes {
		slog.Debug("distill: skipping, below min_episodes", "user_id", userID, "count", len(episodes))
		return e.store.CreateDistillationLog(ctx, log)
	}

	for _, batch := range groupBatches(episodes, e.cfg.BatchSize) {
		facts, err := e.extractFacts(ctx, batch)
		if err != nil {
			slog.Warn("distill: batch extraction failed, treated as soft error", "error", err)
			continue
		}
		if len(facts) > e.cfg.MaxSemanticPerBatch {
			facts = facts[:e.cfg.MaxSemanticPerBatch]
		}
		for _, fact := range facts {
			created, deduped, err := e.commitFact(ctx, userID, batch, fact)
			if err != nil {
				return storage.DistillationLog{}, err
			}
			if deduped {
				log.SemanticDeduplicated++
			} else if created {
				log.SemanticCreated++
			}
		}
	}

	return e.store.CreateDistillationLog(ctx, log)
}

// groupBatches groups episodes by shared scene_id first, then chunks any
// scene-less remainder into fixed-size groups.
func groupBatches(episodes []storage.Memory, chunkSize int) [][]storage.Memory {
	byScene := map[string][]storage.Memory{}
	var loose []storage.Memory
	for _, m := range episodes {
		if m.SceneID != nil && *m.SceneID != "" {
			byScene[*m.SceneID] = append(byScene[*m.SceneID], m)
			continue
		}
		loose = append(loose, m)
	}

	scenes := make([]string, 0, len(byScene))
	for id := range byScene {
		scenes = append(scenes, id)
	}
	sort.Strings(scenes)

	var batches [][]storage.Memory
	for _, id := range scenes {
		batches = append(batches, byScene[id])
	}
	if chunkSize <= 0 {
		chunkSize = len(loose)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	for i := 0; i < len(loose); i += chunkSize {
		end := i + chunkSize
		if end > len(loose) {
			end = len(loose)
		}
		batches = append(batches, loose[i:end])
	}
	return batches
}

func (e *Engine) extractFacts(ctx context.Context, batch []storage.Memory) ([]extractedFact, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"Extract up to %d durable semantic facts from these episodic memories. "+
			"Reply with a strict JSON array, each element {\"content\":string,\"importance\":number 0-1,"+
			"\"source_episodes\":[ids],\"reasoning\":string optional}. No prose outside the JSON.\n",
		e.cfg.MaxSemanticPerBatch,
	))
	for _, m := range batch {
		b.WriteString(fmt.Sprintf("- [%s] %s\n", m.ID, m.Content))
	}

	resp, err := e.gen.Generate(ctx, b.String())
	if err != nil {
		return nil, err
	}

	facts, ok := parseFacts(resp)
	if !ok {
		// Invalid JSON is a soft error per §4.7: yields zero facts, not a
		// failed run.
		return nil, nil
	}
	return facts, nil
}

// parseFacts strips a fenced code block if present and parses a strict
// JSON array of extractedFact.
func parseFacts(raw string) ([]extractedFact, bool) {
	raw = stripFence(raw)
	var facts []extractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, false
	}
	return facts, true
}

func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

// commitFact writes one extracted fact as a semantic memory, unless the
// dedup check (isDuplicate) finds an existing active semantic memory with
// the same text.
func (e *Engine) commitFact(ctx context.Context, userID string, batch []storage.Memory, fact extractedFact) (created, deduped bool, err error) {
	if fact.Content == "" {
		return false, false, nil
	}
	if e.isDuplicate(ctx, userID, fact.Content) {
		return false, true, nil
	}

	namespace := "default"
	if len(batch) > 0 {
		namespace = batch[0].Namespace
	}

	mem := storage.Memory{
		Content: fact.Content, UserID: userID, Namespace: namespace,
		MemoryType: storage.MemoryTypeSemantic, Layer: storage.LayerLML,
		ConfidentialityScope: storage.ScopeWork, Sensitivity: storage.SensitivityNormal,
		Status: storage.MemoryStatusActive, Importance: fact.Importance,
		SFast: 0.8, SMid: 0.8, SSlow: 0.8, SourceMemories: fact.SourceEpisodes,
	}
	createdMem, err := e.store.CreateMemory(ctx, mem, e.decay)
	if err != nil {
		return false, false, err
	}

	for _, epID := range fact.SourceEpisodes {
		if err := e.store.CreateDistillationProvenance(ctx, storage.DistillationProvenance{
			SemanticMemoryID: createdMem.ID, SourceEpisodeID: epID,
		}); err != nil {
			return false, false, err
		}
	}
	return true, false, nil
}

// isDuplicate is a cheap exact-match dedup check against up to 200 recent
// active semantic memories: content is compared after trimming and
// lowercasing, with no substring or similarity matching. It keeps the
// replay distiller from re-deriving the same fact verbatim across
// consecutive nightly runs.
func (e *Engine) isDuplicate(ctx context.Context, userID, content string) bool {
	existing, err := e.store.ListMemories(ctx, userID, "", 200)
	if err != nil {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(content))
	for _, m := range existing {
		if m.MemoryType != storage.MemoryTypeSemantic {
			continue
		}
		if strings.ToLower(strings.TrimSpace(m.Content)) == normalized {
			return true
		}
	}
	return false
}
