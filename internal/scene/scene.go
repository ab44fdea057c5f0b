// Package scene implements episodic boundary detection, centroid
// tracking, and auto-close — §4.11.
package scene

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/vectorindex"
)

// Tracker assigns each added memory to a scene, opening or closing scenes
// as boundaries are detected.
type Tracker struct {
	store *storage.Store
	gen   llm.Generator
	cfg   config.Scene
	decay config.Decay
}

// New constructs a Tracker.
func New(store *storage.Store, gen llm.Generator, cfg config.Config) *Tracker {
	return &Tracker{store: store, gen: gen, cfg: cfg.Scene, decay: cfg.Decay}
}

var locationPattern = regexp.MustCompile(`(?i)\b(?:at|in|from)\s+([A-Z][\w'.-]*(?:\s+[A-Z][\w'.-]*){0,3})`)

// detectLocation extracts the first prepositional location mention, if any.
func detectLocation(content string) string {
	m := locationPattern.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Assign implements the boundary-detection decision tree for one newly
// written memory, opening a new scene when any boundary condition fires,
// else appending to the most recently active open scene.
func (t *Tracker) Assign(ctx context.Context, m storage.Memory, timestamp time.Time) (storage.Scene, error) {
	open, err := t.store.OpenScenesForUser(ctx, m.UserID)
	if err != nil {
		return storage.Scene{}, err
	}

	location := detectLocation(m.Content)

	var current *storage.Scene
	if len(open) > 0 {
		current = &open[0]
	}

	newScene := current == nil
	if current != nil {
		gap := timestamp.Sub(current.EndTimeOrStart())
		switch {
		case gap > time.Duration(t.cfg.TimeGapMinutes)*time.Minute:
			newScene = true
		case current.MemoryCount >= t.cfg.MaxMemories:
			newScene = true
		case len(current.Centroid) > 0 && len(m.Embedding) > 0 && vectorindex.Cosine(m.Embedding, current.Centroid) < t.cfg.TopicThreshold:
			newScene = true
		case location != "" && current.Location != nil && *current.Location != "" && !strings.EqualFold(*current.Location, location):
			newScene = true
		}
	}

	if newScene {
		if current != nil {
			if err := t.closeScene(ctx, *current); err != nil {
				return storage.Scene{}, err
			}
		}
		sc, err := t.store.CreateScene(ctx, storage.Scene{
			UserID: m.UserID, StartTime: timestamp, Centroid: m.Embedding,
			Location: nonEmptyPtr(location), MemoryCount: 1,
		})
		if err != nil {
			return storage.Scene{}, err
		}
		if err := t.store.AddMemoryToScene(ctx, sc.ID, m.ID, t.decay); err != nil {
			return storage.Scene{}, err
		}
		return sc, nil
	}

	sc := *current
	newCentroid := incrementCentroid(sc.Centroid, m.Embedding, sc.MemoryCount)
	endTime := timestamp
	count := sc.MemoryCount + 1
	if err := t.store.UpdateScene(ctx, sc.ID, storage.ScenePatch{
		Centroid: &newCentroid, EndTime: &endTime, MemoryCount: &count,
	}); err != nil {
		return storage.Scene{}, err
	}
	if err := t.store.AddMemoryToScene(ctx, sc.ID, m.ID, t.decay); err != nil {
		return storage.Scene{}, err
	}
	sc.Centroid, sc.EndTime, sc.MemoryCount = newCentroid, &endTime, count
	return sc, nil
}

// incrementCentroid folds one new vector into a running mean without
// re-reading every member vector.
func incrementCentroid(centroid, next []float32, priorCount int) []float32 {
	if len(centroid) == 0 {
		out := make([]float32, len(next))
		copy(out, next)
		return out
	}
	if len(next) != len(centroid) {
		return centroid
	}
	out := make([]float32, len(centroid))
	n := float32(priorCount + 1)
	for i := range centroid {
		out[i] = centroid[i] + (next[i]-centroid[i])/n
	}
	return out
}

// CloseStale closes any of a user's open scenes that have been idle past
// auto_close_inactive_minutes.
func (t *Tracker) CloseStale(ctx context.Context, userID string, now time.Time) (int, error) {
	open, err := t.store.OpenScenesForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sc := range open {
		if now.Sub(sc.EndTimeOrStart()) > time.Duration(t.cfg.AutoCloseInactiveMinutes)*time.Minute {
			if err := t.closeScene(ctx, sc); err != nil {
				return closed, err
			}
			closed++
		}
	}
	return closed, nil
}

func (t *Tracker) closeScene(ctx context.Context, sc storage.Scene) error {
	closed := true
	patch := storage.ScenePatch{Closed: &closed}

	if t.cfg.UseLLMSummarization && t.gen != nil {
		ids, err := t.store.MemoryIDsForScene(ctx, sc.ID)
		if err == nil && len(ids) > 0 {
			if len(ids) > t.cfg.MaxMemories {
				ids = ids[:t.cfg.MaxMemories]
			}
			memories, err := t.store.GetMemoriesBulk(ctx, ids)
			if err == nil && len(memories) > 0 {
				summary, err := t.summarize(ctx, memories)
				if err == nil && summary != "" {
					patch.Summary = &summary
				}
			}
		}
	}

	if err := t.store.UpdateScene(ctx, sc.ID, patch); err != nil {
		return err
	}
	slog.Debug("scene closed", "scene_id", sc.ID)
	return nil
}

func (t *Tracker) summarize(ctx context.Context, memories []storage.Memory) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this episode in one or two sentences:\n")
	for _, m := range memories {
		b.WriteString("- ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return t.gen.Generate(ctx, b.String())
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
