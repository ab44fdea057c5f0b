// Package config builds Engram's immutable process configuration from
// environment variables (and an optional YAML policy seed file), the way
// the teacher's pkg/config builds a Config once at boot and threads it
// through the rest of the service.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is built once in cmd/engramd/main.go and passed by value into the
// Kernel. The subsystems read no environment variables; the exceptions are
// cmd/engramd/main.go, which reads the backend-selection variables itself,
// and telemetry.InitTracer, which reads OTEL_EXPORTER_OTLP_ENDPOINT. Design
// Notes calls out "global mutable state for config" as a pattern to
// replace with an immutable value built at process start.
type Config struct {
	DataDir    string `validate:"required"`
	AdminKey   string
	CORSOrigins []string

	PolicyGatewayEnabled  bool
	RequireAgentPolicy    bool
	RefAwareDecay         bool
	AllowAutoTrustedBootstrap bool

	TrustAutomergeEnabled  bool
	AutoMergeTrustThreshold float64 `validate:"gte=0,lte=1"`
	AutoMergeMinTotal       int     `validate:"gte=0"`
	AutoMergeMinApproved    int     `validate:"gte=0"`
	AutoMergeMaxRejectRate  float64 `validate:"gte=0,lte=1"`

	WriteQuotaPerAgentPerHour int `validate:"gte=0"`
	WriteQuotaPerUserPerHour  int `validate:"gte=0"`

	SleepCycleEnabled         bool
	SleepCycleIntervalMinutes int `validate:"gte=1"`
	SleepCycleApplyDecay      bool
	SleepCycleRefGC           bool

	DualIntersectionBoostWeight float64 `validate:"gte=0"`
	DualIntersectionBoostCap    float64 `validate:"gte=0"`

	SessionSigningKey string

	PolicySeedFile string

	Decay       Decay
	Forgetting  Forgetting
	Scene       Scene
	Profile     Profile
	Handoff     Handoff
	Scope       Scope
	Distillation Distillation

	WorkerPoolSize int `validate:"gte=1"`
}

// Decay carries the three-trace decay constants ported from the source's
// FadeMemConfig. Weights must sum to 1; that is enforced in Initialize.
type Decay struct {
	FastWeight     float64
	MidWeight      float64
	SlowWeight     float64
	FastDecayRate  float64
	MidDecayRate   float64
	SlowDecayRate  float64
	CascadeFastToMid float64
	CascadeMidToSlow float64

	AccessStrengthBoost   float64
	AccessDampeningFactor float64

	PromotionAccessThreshold int
	PromotionStrengthThreshold float64

	ForgetThreshold float64
}

// Forgetting carries the interference/redundancy/homeostasis thresholds
// ported from the source's DistillationConfig.
type Forgetting struct {
	InterferencePruningEnabled bool
	RedundancyCollapseEnabled  bool
	HomeostasisEnabled         bool

	ConflictSimilarityThreshold   float64
	RedundancyCollapseThreshold   float64
	HomeostasisBudgetPerNamespace int
	HomeostasisPressureFactor     float64
}

// Distillation carries the replay-distiller batch parameters.
type Distillation struct {
	MinEpisodes         int
	MaxSemanticPerBatch int
	BatchSize           int
	TimeWindowHours     int
}

// Scene carries the episodic-grouping constants.
type Scene struct {
	MaxMemories             int
	TopicThreshold           float64
	TimeGapMinutes           int
	AutoCloseInactiveMinutes int
	UseLLMSummarization      bool
	SummaryRegenerateThreshold int
}

// Profile carries the persona-extraction constants.
type Profile struct {
	MaxFactsPerProfile       int
	NarrativeRegenerateThreshold int
	SelfProfileAutoCreate    bool
}

// Handoff carries the session-bus lane/checkpoint constants.
type Handoff struct {
	LaneInactivityMinutes int
	MaxLanesPerUser       int
	MaxCheckpointsPerLane int
	ResumeStatuses        []string
	StrictHandoffAuth     bool
}

// Scope carries the composite-score weights for confidentiality/namespace
// sharing, a Supplemented Feature from the source's ScopeConfig.
type Scope struct {
	AgentWeight     float64
	ConnectorWeight float64
	CategoryWeight  float64
	GlobalWeight    float64
}

var validate = validator.New()

// Initialize loads .env (if present), reads environment variables into a
// Config, validates it, and logs what was loaded — mirroring the teacher's
// config.Initialize(ctx, configDir) boot sequence.
func Initialize() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	dataDir := getEnv("ENGRAM_DATA_DIR", defaultDataDir())

	cfg := Config{
		DataDir:  dataDir,
		AdminKey: os.Getenv("ENGRAM_ADMIN_KEY"),
		CORSOrigins: splitCSV(getEnv("ENGRAM_CORS_ORIGINS", "")),

		PolicyGatewayEnabled:      getBool("ENGRAM_V2_POLICY_GATEWAY", true),
		RequireAgentPolicy:        getBool("ENGRAM_V2_REQUIRE_AGENT_POLICY", false),
		RefAwareDecay:             getBool("ENGRAM_V2_REF_AWARE_DECAY", true),
		AllowAutoTrustedBootstrap: getBool("ENGRAM_V2_ALLOW_AUTO_TRUSTED_BOOTSTRAP", false),

		TrustAutomergeEnabled:   getBool("ENGRAM_V2_TRUST_AUTOMERGE", false),
		AutoMergeTrustThreshold: getFloat("ENGRAM_V2_AUTO_MERGE_TRUST_THRESHOLD", 0.75),
		AutoMergeMinTotal:       getInt("ENGRAM_V2_AUTO_MERGE_MIN_TOTAL", 5),
		AutoMergeMinApproved:    getInt("ENGRAM_V2_AUTO_MERGE_MIN_APPROVED", 3),
		AutoMergeMaxRejectRate:  getFloat("ENGRAM_V2_AUTO_MERGE_MAX_REJECT_RATE", 0.2),

		WriteQuotaPerAgentPerHour: getInt("ENGRAM_V2_POLICY_WRITE_QUOTA_PER_AGENT_PER_HOUR", 200),
		WriteQuotaPerUserPerHour:  getInt("ENGRAM_V2_POLICY_WRITE_QUOTA_PER_USER_PER_HOUR", 1000),

		SleepCycleEnabled:         getBool("ENGRAM_V2_SLEEP_CYCLE_ENABLED", true),
		SleepCycleIntervalMinutes: getInt("ENGRAM_V2_SLEEP_CYCLE_INTERVAL_MINUTES", 60),
		SleepCycleApplyDecay:      getBool("ENGRAM_V2_SLEEP_CYCLE_APPLY_DECAY", true),
		SleepCycleRefGC:           getBool("ENGRAM_V2_SLEEP_CYCLE_REF_GC", true),

		DualIntersectionBoostWeight: getFloat("ENGRAM_V2_DUAL_INTERSECTION_BOOST_WEIGHT", 0.1),
		DualIntersectionBoostCap:    getFloat("ENGRAM_V2_DUAL_INTERSECTION_BOOST_CAP", 0.15),

		SessionSigningKey: os.Getenv("ENGRAM_SESSION_SIGNING_KEY"),
		PolicySeedFile:    os.Getenv("ENGRAM_POLICY_SEED_FILE"),

		WorkerPoolSize: getInt("ENGRAM_WORKER_POOL_SIZE", 8),

		Decay: Decay{
			FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5,
			FastDecayRate: 0.20, MidDecayRate: 0.05, SlowDecayRate: 0.005,
			CascadeFastToMid: 0.1, CascadeMidToSlow: 0.05,
			AccessStrengthBoost: 0.02, AccessDampeningFactor: 0.5,
			PromotionAccessThreshold: 3, PromotionStrengthThreshold: 0.7,
			ForgetThreshold: 0.1,
		},
		Forgetting: Forgetting{
			InterferencePruningEnabled: true,
			RedundancyCollapseEnabled:  true,
			HomeostasisEnabled:         true,
			ConflictSimilarityThreshold:   0.85,
			RedundancyCollapseThreshold:   0.92,
			HomeostasisBudgetPerNamespace: 5000,
			HomeostasisPressureFactor:     0.1,
		},
		Distillation: Distillation{
			MinEpisodes: 5, MaxSemanticPerBatch: 5,
			BatchSize: 20, TimeWindowHours: 24,
		},
		Scene: Scene{
			MaxMemories: 50, TopicThreshold: 0.55,
			TimeGapMinutes: 30, AutoCloseInactiveMinutes: 120,
			UseLLMSummarization: true, SummaryRegenerateThreshold: 5,
		},
		Profile: Profile{
			MaxFactsPerProfile: 100, NarrativeRegenerateThreshold: 10,
			SelfProfileAutoCreate: true,
		},
		Handoff: Handoff{
			LaneInactivityMinutes: 240, MaxLanesPerUser: 50,
			MaxCheckpointsPerLane: 200, ResumeStatuses: []string{"active", "paused"},
			StrictHandoffAuth: true,
		},
		Scope: Scope{
			AgentWeight: 1.0, ConnectorWeight: 0.97,
			CategoryWeight: 0.94, GlobalWeight: 0.92,
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if sum := cfg.Decay.FastWeight + cfg.Decay.MidWeight + cfg.Decay.SlowWeight; sum < 0.999 || sum > 1.001 {
		return Config{}, fmt.Errorf("decay trace weights must sum to 1, got %f", sum)
	}

	slog.Info("configuration loaded",
		"data_dir", cfg.DataDir,
		"policy_gateway_enabled", cfg.PolicyGatewayEnabled,
		"sleep_cycle_enabled", cfg.SleepCycleEnabled,
		"worker_pool_size", cfg.WorkerPoolSize,
	)
	return cfg, nil
}

// IsLoopback reports whether addr (a "host:port" or bare host) is a
// loopback/local address, used by the policy gateway's trusted-local bypass.
func IsLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return home + "/.engram"
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "key", key, "value", v)
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v)
		return def
	}
	return f
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SessionTTL computes an expiry given a requested ttl in minutes, clamped to
// a sane maximum so a caller cannot mint a session that outlives its use.
func SessionTTL(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = 60
	}
	if minutes > 7*24*60 {
		minutes = 7 * 24 * 60
	}
	return time.Duration(minutes) * time.Minute
}
