package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// PolicySeed is the optional bootstrap document layered over env-derived
// defaults for namespaces and agent policies, the same two-step
// parse-then-merge the teacher's pkg/config/loader.go and merge.go apply to
// tarsy's YAML agent/chain registries.
type PolicySeed struct {
	Namespaces []SeedNamespace `yaml:"namespaces"`
	Policies   []SeedPolicy    `yaml:"agent_policies"`
}

// SeedNamespace bootstraps a namespace row at boot.
type SeedNamespace struct {
	Name string `yaml:"name"`
}

// SeedPolicy bootstraps an agent_policies row at boot.
type SeedPolicy struct {
	UserID       string   `yaml:"user_id"`
	AgentID      string   `yaml:"agent_id"`
	Scopes       []string `yaml:"scopes"`
	Capabilities []string `yaml:"capabilities"`
	Namespaces   []string `yaml:"namespaces"`
}

func defaultPolicySeed() PolicySeed {
	return PolicySeed{
		Namespaces: []SeedNamespace{{Name: "default"}},
	}
}

// LoadPolicySeed reads cfg.PolicySeedFile (if set) and merges it over the
// built-in defaults using mergo, matching the teacher's merge-defaults-then-
// overlay-file approach.
func LoadPolicySeed(cfg Config) (PolicySeed, error) {
	seed := defaultPolicySeed()
	if cfg.PolicySeedFile == "" {
		return seed, nil
	}

	raw, err := os.ReadFile(cfg.PolicySeedFile)
	if err != nil {
		return PolicySeed{}, fmt.Errorf("reading policy seed file %s: %w", cfg.PolicySeedFile, err)
	}

	var overlay PolicySeed
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return PolicySeed{}, fmt.Errorf("parsing policy seed file %s: %w", cfg.PolicySeedFile, err)
	}

	if err := mergo.Merge(&seed, overlay, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return PolicySeed{}, fmt.Errorf("merging policy seed: %w", err)
	}
	return seed, nil
}
