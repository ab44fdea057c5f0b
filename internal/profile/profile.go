// Package profile extracts self/contact persona facts from memory content
// and merges them into the per-user profile rows — §4.11.
package profile

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/storage"
)

// Tracker updates self/contact profiles as new memories are written.
type Tracker struct {
	store *storage.Store
	cfg   config.Profile
}

// New constructs a Tracker.
func New(store *storage.Store, cfg config.Config) *Tracker {
	return &Tracker{store: store, cfg: cfg.Profile}
}

var (
	selfPreference = regexp.MustCompile(`(?i)\bI\s+(?:like|love|prefer|hate|dislike|enjoy|want|need)\s+(.+?)[.!]?$`)
	selfName       = regexp.MustCompile(`(?i)\bmy\s+name\s+is\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*)?)`)
	properName     = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`)
	commonWords    = map[string]bool{"I": true, "The": true, "A": true, "My": true, "Today": true}
)

// Update extracts self/contact facts from one memory's content and merges
// them into the relevant profile rows. Returns the ids of profiles touched.
func (t *Tracker) Update(ctx context.Context, m storage.Memory) ([]string, error) {
	var touched []string

	if name := selfName.FindStringSubmatch(m.Content); len(name) == 2 {
		id, err := t.mergeSelfFact(ctx, m.UserID, "name: "+strings.TrimSpace(name[1]), false)
		if err != nil {
			return touched, err
		}
		touched = append(touched, id)
	}

	if pref := selfPreference.FindStringSubmatch(m.Content); len(pref) == 2 {
		id, err := t.mergeSelfFact(ctx, m.UserID, strings.TrimSpace(pref[0]), true)
		if err != nil {
			return touched, err
		}
		touched = append(touched, id)
	}

	for _, name := range extractProperNames(m.Content) {
		id, err := t.mergeContactFact(ctx, m.UserID, name, m.Content)
		if err != nil {
			return touched, err
		}
		touched = append(touched, id)
	}

	return dedupStrings(touched), nil
}

func extractProperNames(content string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range properName.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if commonWords[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (t *Tracker) mergeSelfFact(ctx context.Context, userID, fact string, isPreference bool) (string, error) {
	p, err := t.store.GetSelfProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		if !t.cfg.SelfProfileAutoCreate {
			return "", nil
		}
		created, cerr := t.store.CreateProfile(ctx, storage.Profile{
			UserID: userID, Name: "self", ProfileType: storage.ProfileTypeSelf,
		})
		if cerr != nil {
			return "", cerr
		}
		p = created
	} else if err != nil {
		return "", err
	}

	if isPreference {
		prefs := mergeDedup(p.Preferences, fact, t.cfg.MaxFactsPerProfile)
		if err := t.store.UpdateProfile(ctx, p.ID, storage.ProfilePatch{Preferences: &prefs}, t.cfg.MaxFactsPerProfile); err != nil {
			return "", err
		}
		return p.ID, nil
	}
	facts := mergeDedup(p.Facts, fact, t.cfg.MaxFactsPerProfile)
	if err := t.store.UpdateProfile(ctx, p.ID, storage.ProfilePatch{Facts: &facts}, t.cfg.MaxFactsPerProfile); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (t *Tracker) mergeContactFact(ctx context.Context, userID, name, content string) (string, error) {
	p, err := t.store.FindContactProfile(ctx, userID, name)
	if errors.Is(err, storage.ErrNotFound) {
		created, cerr := t.store.CreateProfile(ctx, storage.Profile{
			UserID: userID, Name: name, ProfileType: storage.ProfileTypeContact,
			Facts: []string{content},
		})
		if cerr != nil {
			return "", cerr
		}
		return created.ID, nil
	}
	if err != nil {
		return "", err
	}

	facts := mergeDedup(p.Facts, content, t.cfg.MaxFactsPerProfile)
	if err := t.store.UpdateProfile(ctx, p.ID, storage.ProfilePatch{Facts: &facts}, t.cfg.MaxFactsPerProfile); err != nil {
		return "", err
	}
	return p.ID, nil
}

// mergeDedup appends fact to existing unless a case-insensitive duplicate is
// already present, then caps the result at maxFacts (oldest dropped first).
func mergeDedup(existing []string, fact string, maxFacts int) []string {
	lower := strings.ToLower(fact)
	for _, e := range existing {
		if strings.ToLower(e) == lower {
			return existing
		}
	}
	out := append(append([]string{}, existing...), fact)
	if maxFacts > 0 && len(out) > maxFacts {
		out = out[len(out)-maxFacts:]
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
