// Package sleep runs the consolidation cycle — ref cleanup, decay,
// forgetting, replay distillation, and digest generation — on a single
// ticker goroutine, modeled on the teacher's single-loop worker rather
// than a claim-based multi-worker pool since one sleep cycle must run
// start-to-finish in a fixed order, never in parallel with itself — §4.10.
package sleep

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/engram-ai/engram/internal/bus"
	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/decay"
	"github.com/engram-ai/engram/internal/distill"
	"github.com/engram-ai/engram/internal/forgetting"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/telemetry"
)

var cycleTracer = telemetry.Tracer()

// Report summarizes one full cycle run, across every user processed.
type Report struct {
	RunAt          time.Time
	UsersProcessed int
	RefsPurged     int
	Decayed        int
	Forgotten      int
	Promoted       int
	Demoted        int
	Fused          int
	Tombstoned     int
	Distilled      int
}

// Orchestrator ticks the consolidation cycle on a fixed interval.
type Orchestrator struct {
	store      *storage.Store
	decayEng   *decay.Engine
	forgetEng  *forgetting.Engine
	distillEng *distill.Engine
	bus        *bus.Bus
	cfg        config.Config

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New constructs an Orchestrator. Any of decayEng/forgetEng/distillEng/b may
// be nil to disable that pass (e.g. no LLM configured disables distill).
func New(store *storage.Store, decayEng *decay.Engine, forgetEng *forgetting.Engine, distillEng *distill.Engine, b *bus.Bus, cfg config.Config) *Orchestrator {
	return &Orchestrator{store: store, decayEng: decayEng, forgetEng: forgetEng, distillEng: distillEng, bus: b, cfg: cfg}
}

// Start launches the ticker goroutine. Calling Start twice without an
// intervening Stop is a programmer error.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	interval := time.Duration(o.cfg.SleepCycleIntervalMinutes) * time.Minute

	go func() {
		defer close(o.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				if _, err := o.Run(ctx); err != nil {
					slog.Error("sleep cycle failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the ticker goroutine to exit and blocks until it has
// drained, safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.stop != nil {
			close(o.stop)
		}
	})
	if o.done != nil {
		<-o.done
	}
}

// Run executes one full cycle immediately, independent of the ticker —
// used by the manual /v1/sleep/run endpoint as well as the ticker loop.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	ctx, span := cycleTracer.Start(ctx, "sleep.run")
	defer span.End()

	now := time.Now().UTC()
	report := Report{RunAt: now}

	if o.cfg.SleepCycleRefGC {
		purged, err := o.store.PurgeExpiredRefs(ctx, now)
		if err != nil {
			return report, err
		}
		report.RefsPurged = purged
	}

	all, err := o.store.ListAllNonImmutable(ctx, "")
	if err != nil {
		return report, err
	}
	byUser := groupByUser(all)
	report.UsersProcessed = len(byUser)

	for userID, memories := range byUser {
		if o.cfg.SleepCycleApplyDecay && o.decayEng != nil {
			for _, m := range memories {
				outcome, err := o.decayEng.Tick(ctx, m, now)
				if err != nil {
					return report, err
				}
				report.Decayed++
				if outcome.Forgotten {
					report.Forgotten++
				}
				if outcome.Promoted {
					report.Promoted++
				}
			}
		}

		if o.forgetEng != nil {
			for namespace, group := range groupByNamespace(memories) {
				result, err := o.forgetEng.Run(ctx, namespace, group)
				if err != nil {
					return report, err
				}
				report.Demoted += result.Demoted
				report.Fused += result.Fused
				report.Tombstoned += result.Tombstoned
			}
		}

		if o.distillEng != nil {
			episodes := filterEpisodic(memories)
			if len(episodes) > 0 {
				log, err := o.distillEng.Run(ctx, userID, episodes)
				if err != nil {
					return report, err
				}
				report.Distilled += log.SemanticCreated
			}
		}

		if err := o.writeDigest(ctx, userID, now); err != nil {
			return report, err
		}
		if o.bus != nil {
			o.bus.Publish(userID, bus.Event{Type: bus.EventSleepCompleted, UserID: userID, Payload: report})
		}
	}

	span.SetAttributes(
		attribute.Int("engram.users_processed", report.UsersProcessed),
		attribute.Int("engram.decayed", report.Decayed),
		attribute.Int("engram.forgotten", report.Forgotten),
		attribute.Int("engram.distilled", report.Distilled),
	)
	return report, nil
}

func (o *Orchestrator) writeDigest(ctx context.Context, userID string, now time.Time) error {
	conflicts, err := o.store.ListUnresolvedStash(ctx, userID, 10)
	if err != nil {
		return err
	}
	consolidations, err := o.store.ListCommits(ctx, userID, storage.CommitPending, 10)
	if err != nil {
		return err
	}
	scenes, err := o.store.ListScenesForUser(ctx, userID, 5)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"conflicts":        conflicts,
		"consolidations":   consolidations,
		"scene_highlights": scenes,
	})
	if err != nil {
		return err
	}

	return o.store.UpsertDailyDigest(ctx, storage.DailyDigest{
		UserID: userID, Date: now.Format("2006-01-02"), Payload: string(payload),
	})
}

func groupByUser(memories []storage.Memory) map[string][]storage.Memory {
	out := make(map[string][]storage.Memory)
	for _, m := range memories {
		out[m.UserID] = append(out[m.UserID], m)
	}
	return out
}

func groupByNamespace(memories []storage.Memory) map[string][]storage.Memory {
	out := make(map[string][]storage.Memory)
	for _, m := range memories {
		out[m.Namespace] = append(out[m.Namespace], m)
	}
	return out
}

func filterEpisodic(memories []storage.Memory) []storage.Memory {
	var out []storage.Memory
	for _, m := range memories {
		if m.MemoryType == storage.MemoryTypeEpisodic {
			out = append(out, m)
		}
	}
	return out
}
