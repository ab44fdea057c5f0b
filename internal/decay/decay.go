// Package decay implements per-memory multi-trace decay, cascade,
// ref-aware protection, and layer promotion — §4.5.
package decay

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/storage"
)

// Outcome reports what happened to one memory during a tick.
type Outcome struct {
	MemoryID  string
	Forgotten bool
	Promoted  bool
}

// Engine applies §4.5 to a snapshot of memory ids, the way a single sleep
// pass works over the set fetched at pass start (§5's ordering guarantee).
type Engine struct {
	store *storage.Store
	cfg   config.Decay
	ref   config.Config // for RefAwareDecay flag
}

// New constructs an Engine.
func New(store *storage.Store, cfg config.Config) *Engine {
	return &Engine{store: store, cfg: cfg.Decay, ref: cfg}
}

// Tick runs one decay pass over m, applying decay/cascade/clamp, the
// ref-aware override, forgetting, and promotion, and persists the result.
func (e *Engine) Tick(ctx context.Context, m storage.Memory, now time.Time) (Outcome, error) {
	if m.Immutable {
		return Outcome{MemoryID: m.ID}, nil
	}

	elapsedHours := now.Sub(m.LastAccessed).Hours()
	if elapsedHours < 0 {
		elapsedHours = 0
	}

	sFast := decayTrace(m.SFast, e.cfg.FastDecayRate, elapsedHours)
	sMid := decayTrace(m.SMid, e.cfg.MidDecayRate, elapsedHours)
	sSlow := decayTrace(m.SSlow, e.cfg.SlowDecayRate, elapsedHours)

	// Cascade: a fraction of fast transfers to mid, and of mid to slow,
	// modeling consolidation into longer-lived traces.
	toMid := sFast * e.cfg.CascadeFastToMid
	sFast -= toMid
	sMid += toMid

	toSlow := sMid * e.cfg.CascadeMidToSlow
	sMid -= toSlow
	sSlow += toSlow

	strength := storage.ComputeStrength(sFast, sMid, sSlow, e.cfg.FastWeight, e.cfg.MidWeight, e.cfg.SlowWeight)

	forgetThreshold := e.cfg.ForgetThreshold
	protected := false
	if e.ref.RefAwareDecay {
		rc, err := e.store.GetRefcount(ctx, m.ID)
		if err != nil {
			return Outcome{}, err
		}
		if rc.StrongCount > 0 {
			protected = true
		} else if rc.WeakCount > 0 {
			forgetThreshold *= 1.5 // dampens eviction per §4.5 step 4
		}
	}

	outcome := Outcome{MemoryID: m.ID}

	if strength < forgetThreshold && !protected {
		status := storage.MemoryStatusTombstoned
		if err := e.store.UpdateMemory(ctx, m.ID, storage.MemoryPatch{
			Status: &status, SFast: &sFast, SMid: &sMid, SSlow: &sSlow,
		}, e.cfg); err != nil {
			return Outcome{}, err
		}
		outcome.Forgotten = true
		slog.Debug("memory forgotten", "memory_id", m.ID, "strength", strength)
		return outcome, nil
	}

	patch := storage.MemoryPatch{SFast: &sFast, SMid: &sMid, SSlow: &sSlow}
	if m.Layer == storage.LayerSML && m.AccessCount >= e.cfg.PromotionAccessThreshold && strength >= e.cfg.PromotionStrengthThreshold {
		lml := storage.LayerLML
		patch.Layer = &lml
		outcome.Promoted = true
		slog.Info("memory promoted SML to LML", "memory_id", m.ID)
	}

	if err := e.store.UpdateMemory(ctx, m.ID, patch, e.cfg); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// decayTrace applies exponential decay at rate lambda over elapsedHours.
func decayTrace(value, lambda, elapsedHours float64) float64 {
	return value * math.Exp(-lambda*elapsedHours/24.0)
}

// AccessDampenWindow bounds how soon after an access a repeat access is
// dampened, per §4.5's "access within a short window".
const AccessDampenWindow = 5 * time.Minute
