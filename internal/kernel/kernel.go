// Package kernel assembles every subsystem into a single struct built once
// in cmd/engramd/main.go and threaded explicitly into the API layer —
// Design Notes calls out replacing package-level singletons with exactly
// this kind of explicit, constructed-once dependency graph.
package kernel

import (
	"context"

	"github.com/engram-ai/engram/internal/bus"
	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/decay"
	"github.com/engram-ai/engram/internal/distill"
	"github.com/engram-ai/engram/internal/forgetting"
	"github.com/engram-ai/engram/internal/handoff"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/profile"
	"github.com/engram-ai/engram/internal/retrieval"
	"github.com/engram-ai/engram/internal/scene"
	"github.com/engram-ai/engram/internal/sleep"
	"github.com/engram-ai/engram/internal/staging"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/vectorindex"
)

// Kernel holds every constructed subsystem. API handlers take a *Kernel
// and call straight through; nothing here is a package-level var.
type Kernel struct {
	Config config.Config

	Store *storage.Store
	Index vectorindex.Index
	Gen   llm.Generator
	Embed llm.Embedder

	Policy    *policy.Gateway
	Staging   *staging.Engine
	Decay     *decay.Engine
	Forgetting *forgetting.Engine
	Distill   *distill.Engine
	Retrieval *retrieval.Engine
	Scene     *scene.Tracker
	Profile   *profile.Tracker
	Sleep     *sleep.Orchestrator
	Handoff   *handoff.Engine
	Bus       *bus.Bus
}

// New wires every subsystem against the given storage, index, and LLM
// collaborators. index/gen/embed may be nil (e.g. provider "none"). With a
// nil index or embedder, staging skips its nearest-neighbor conflict check;
// with a nil gen, scenes get no LLM summaries and the sleep cycle runs no
// replay distillation. Retrieval and forgetting call index/gen/embed
// without a nil check.
func New(store *storage.Store, index vectorindex.Index, gen llm.Generator, embed llm.Embedder, cfg config.Config) *Kernel {
	k := &Kernel{Config: cfg, Store: store, Index: index, Gen: gen, Embed: embed}

	k.Policy = policy.New(store, cfg)
	k.Staging = staging.New(store, index, embed, cfg)
	k.Decay = decay.New(store, cfg)
	k.Forgetting = forgetting.New(store, index, gen, cfg)
	k.Distill = distill.New(store, gen, cfg)
	k.Retrieval = retrieval.New(store, index, embed, cfg)
	k.Scene = scene.New(store, gen, cfg)
	k.Profile = profile.New(store, cfg)
	k.Bus = bus.New()
	k.Handoff = handoff.New(store, k.Retrieval, cfg)
	distillEng := k.Distill
	if gen == nil {
		distillEng = nil
	}
	k.Sleep = sleep.New(store, k.Decay, k.Forgetting, distillEng, k.Bus, cfg)

	return k
}

// StartBackground launches the sleep cycle ticker, when enabled.
func (k *Kernel) StartBackground(ctx context.Context) {
	if k.Config.SleepCycleEnabled {
		k.Sleep.Start(ctx)
	}
}

// Shutdown stops background goroutines and closes the store.
func (k *Kernel) Shutdown() error {
	if k.Config.SleepCycleEnabled {
		k.Sleep.Stop()
	}
	return k.Store.Close()
}
