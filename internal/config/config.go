// Package config holds all keel runtime configuration.
// Configuration lives in .keel/config.json as an overlay: every field is
// optional and missing fields fall back to DefaultConfig values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all keel configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`

	// Event store
	Events EventsConfig `yaml:"events" json:"events"`

	// Evidence ledger
	Ledger LedgerConfig `yaml:"ledger" json:"ledger"`

	// Tape (anchors + checkpoints over the event log)
	Tape TapeConfig `yaml:"tape" json:"tape"`

	// Patch capture around mutation tools
	Patch PatchConfig `yaml:"patch" json:"patch"`

	// Scheduler
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	// Infrastructure (context budget, turn WAL)
	Infrastructure InfrastructureConfig `yaml:"infrastructure" json:"infrastructure"`

	// Security (tool access policy)
	Security SecurityConfig `yaml:"security" json:"security"`

	// Verification
	Verification VerificationConfig `yaml:"verification" json:"verification"`

	// Cost accounting
	Cost CostConfig `yaml:"cost" json:"cost"`

	// Parallel worker admission
	Parallel ParallelConfig `yaml:"parallel" json:"parallel"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// EventsConfig configures the append-only event store.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// TailCacheSize caps the per-session in-memory tail cache.
	TailCacheSize int `yaml:"tail_cache_size" json:"tailCacheSize"`
}

// LedgerConfig configures the evidence ledger.
type LedgerConfig struct {
	CheckpointEveryTurns int `yaml:"checkpoint_every_turns" json:"checkpointEveryTurns"`
	DigestWindow         int `yaml:"digest_window" json:"digestWindow"`
}

// TapeConfig configures anchors and checkpoint emission.
type TapeConfig struct {
	CheckpointIntervalEntries int                    `yaml:"checkpoint_interval_entries" json:"checkpointIntervalEntries"`
	TapePressureThresholds    TapePressureThresholds `yaml:"tape_pressure_thresholds" json:"tapePressureThresholds"`
}

// TapePressureThresholds define entries-since-anchor counts per pressure level.
type TapePressureThresholds struct {
	Low    int `yaml:"low" json:"low"`
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
}

// PatchConfig configures file snapshot capture around mutation tools.
type PatchConfig struct {
	// MutationTools is the explicit set of tool names treated as mutating.
	// Tools whose name contains "write", "edit" or "patch" are also treated
	// as mutating (name-based fallback classifier).
	MutationTools []string `yaml:"mutation_tools" json:"mutationTools"`
	// MaxDiffBytes caps stored diff text per file; larger diffs keep hashes only.
	MaxDiffBytes int `yaml:"max_diff_bytes" json:"maxDiffBytes"`
	// HistoryLimit caps retained patch sets per session.
	HistoryLimit int `yaml:"history_limit" json:"historyLimit"`
}

// ScheduleConfig configures the intent scheduler.
type ScheduleConfig struct {
	Enabled                     bool  `yaml:"enabled" json:"enabled"`
	MinIntervalMs               int64 `yaml:"min_interval_ms" json:"minIntervalMs"`
	LeaseDurationMs             int64 `yaml:"lease_duration_ms" json:"leaseDurationMs"`
	MaxActiveIntentsPerSession  int   `yaml:"max_active_intents_per_session" json:"maxActiveIntentsPerSession"`
	MaxActiveIntentsGlobal      int   `yaml:"max_active_intents_global" json:"maxActiveIntentsGlobal"`
	MaxConsecutiveErrors        int   `yaml:"max_consecutive_errors" json:"maxConsecutiveErrors"`
	MaxRecoveryCatchUps         int   `yaml:"max_recovery_catch_ups" json:"maxRecoveryCatchUps"`
	BackoffBaseMs               int64 `yaml:"backoff_base_ms" json:"backoffBaseMs"`
	BackoffCapMs                int64 `yaml:"backoff_cap_ms" json:"backoffCapMs"`
}

// InfrastructureConfig groups context budget and turn WAL settings.
type InfrastructureConfig struct {
	ContextBudget ContextBudgetConfig `yaml:"context_budget" json:"contextBudget"`
	TurnWAL       TurnWALConfig       `yaml:"turn_wal" json:"turnWal"`
}

// ContextBudgetConfig configures the token-budgeted context assembler.
type ContextBudgetConfig struct {
	Enabled                    bool    `yaml:"enabled" json:"enabled"`
	MaxInjectionTokens         int     `yaml:"max_injection_tokens" json:"maxInjectionTokens"`
	CompactionThresholdPercent float64 `yaml:"compaction_threshold_percent" json:"compactionThresholdPercent"`
	HardLimitPercent           float64 `yaml:"hard_limit_percent" json:"hardLimitPercent"`
	TruncationStrategy         string  `yaml:"truncation_strategy" json:"truncationStrategy"` // drop-entry | summarize | tail
	CompactionInstructions     string  `yaml:"compaction_instructions" json:"compactionInstructions"`
	MinTurnsBetweenCompaction  int     `yaml:"min_turns_between_compaction" json:"minTurnsBetweenCompaction"`
}

// TurnWALConfig configures the turn write-ahead log.
type TurnWALConfig struct {
	Enabled           bool  `yaml:"enabled" json:"enabled"`
	DefaultTTLMs      int64 `yaml:"default_ttl_ms" json:"defaultTtlMs"`
	MaxRetries        int   `yaml:"max_retries" json:"maxRetries"`
	CompactAfterMs    int64 `yaml:"compact_after_ms" json:"compactAfterMs"`
	ScheduleTurnTTLMs int64 `yaml:"schedule_turn_ttl_ms" json:"scheduleTurnTtlMs"`
}

// SecurityConfig configures the tool access policy. Mode fields take
// off | warn | enforce.
type SecurityConfig struct {
	// AllowedToolsMode gates non-exempt tools against the active skill's
	// allow-list when enforcing.
	AllowedToolsMode      string   `yaml:"allowed_tools_mode" json:"allowedToolsMode"`
	EnforceDeniedTools    bool     `yaml:"enforce_denied_tools" json:"enforceDeniedTools"`
	SkillMaxTokensMode    string   `yaml:"skill_max_tokens_mode" json:"skillMaxTokensMode"`
	SkillMaxToolCallsMode string   `yaml:"skill_max_tool_calls_mode" json:"skillMaxToolCallsMode"`
	SkillMaxParallelMode  string   `yaml:"skill_max_parallel_mode" json:"skillMaxParallelMode"`
	SanitizeContext       bool     `yaml:"sanitize_context" json:"sanitizeContext"`
	CommandDenyList       []string `yaml:"command_deny_list" json:"commandDenyList"`
}

// VerificationConfig configures check commands per verification level.
type VerificationConfig struct {
	DefaultLevel string `yaml:"default_level" json:"defaultLevel"` // quick | standard | strict
	// Checks maps a level to the ordered check names it requires.
	Checks map[string][]string `yaml:"checks" json:"checks"`
	// Commands maps a check name to the shell command that runs it.
	Commands map[string]string `yaml:"commands" json:"commands"`
	// TimeoutMs bounds each check command.
	TimeoutMs int64 `yaml:"timeout_ms" json:"timeoutMs"`
}

// CostConfig configures token/USD accounting and caps.
type CostConfig struct {
	SessionCapUSD   float64 `yaml:"session_cap_usd" json:"sessionCapUsd"`
	SkillCapUSD     float64 `yaml:"skill_cap_usd" json:"skillCapUsd"`
	AlertThresholds []float64 `yaml:"alert_thresholds" json:"alertThresholds"` // fractions of the session cap
	// USD per million tokens, split by direction.
	InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok" json:"inputUsdPerMtok"`
	OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok" json:"outputUsdPerMtok"`
}

// ParallelConfig configures worker slot admission.
type ParallelConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent" json:"maxConcurrent"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "keel",
		Version: "1.0.0",
		Events: EventsConfig{
			Enabled:       true,
			TailCacheSize: 2048,
		},
		Ledger: LedgerConfig{
			CheckpointEveryTurns: 25,
			DigestWindow:         12,
		},
		Tape: TapeConfig{
			CheckpointIntervalEntries: 40,
			TapePressureThresholds: TapePressureThresholds{
				Low:    15,
				Medium: 30,
				High:   60,
			},
		},
		Patch: PatchConfig{
			MutationTools: []string{"edit", "write", "multi_edit", "apply_patch", "exec"},
			MaxDiffBytes:  64 * 1024,
			HistoryLimit:  50,
		},
		Schedule: ScheduleConfig{
			Enabled:                    true,
			MinIntervalMs:              1000,
			LeaseDurationMs:            60_000,
			MaxActiveIntentsPerSession: 8,
			MaxActiveIntentsGlobal:     64,
			MaxConsecutiveErrors:       3,
			MaxRecoveryCatchUps:        1,
			BackoffBaseMs:              5_000,
			BackoffCapMs:               10 * 60_000,
		},
		Infrastructure: InfrastructureConfig{
			ContextBudget: ContextBudgetConfig{
				Enabled:                    true,
				MaxInjectionTokens:         6000,
				CompactionThresholdPercent: 0.70,
				HardLimitPercent:           0.85,
				TruncationStrategy:         "tail",
				CompactionInstructions:     "Summarize completed work, keep open items and blockers verbatim.",
				MinTurnsBetweenCompaction:  2,
			},
			TurnWAL: TurnWALConfig{
				Enabled:           true,
				DefaultTTLMs:      10 * 60_000,
				MaxRetries:        3,
				CompactAfterMs:    24 * 3_600_000,
				ScheduleTurnTTLMs: 15 * 60_000,
			},
		},
		Security: SecurityConfig{
			AllowedToolsMode:      "warn",
			EnforceDeniedTools:    true,
			SkillMaxTokensMode:    "warn",
			SkillMaxToolCallsMode: "warn",
			SkillMaxParallelMode:  "enforce",
			SanitizeContext:       true,
			CommandDenyList:       []string{"rm -rf /", "mkfs", "shutdown", "reboot"},
		},
		Verification: VerificationConfig{
			DefaultLevel: "standard",
			Checks: map[string][]string{
				"quick":    {},
				"standard": {"type-check", "tests"},
				"strict":   {"type-check", "tests", "lint"},
			},
			Commands: map[string]string{
				"type-check": "go vet ./...",
				"tests":      "go test ./...",
				"lint":       "golangci-lint run",
			},
			TimeoutMs: 600_000,
		},
		Cost: CostConfig{
			SessionCapUSD:    10.0,
			SkillCapUSD:      2.0,
			AlertThresholds:  []float64{0.5, 0.8, 0.95},
			InputUSDPerMTok:  3.0,
			OutputUSDPerMTok: 15.0,
		},
		Parallel: ParallelConfig{
			Enabled:       true,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Dir returns the keel dot-directory for a workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, ".keel")
}

// Path returns the config overlay path for a workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), "config.json")
}

// Load reads the overlay from .keel/config.json on top of defaults.
// A missing file yields pure defaults; a malformed file is an error.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// Save writes the full config (not just the overlay) to .keel/config.json.
func (c *Config) Save(workspace string) error {
	if err := os.MkdirAll(Dir(workspace), 0755); err != nil {
		return fmt.Errorf("failed to create .keel dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0644)
}

// normalize clamps overlay values into sane ranges.
func (c *Config) normalize() {
	if c.Schedule.MinIntervalMs < 1000 {
		c.Schedule.MinIntervalMs = 1000
	}
	if c.Schedule.LeaseDurationMs <= 0 {
		c.Schedule.LeaseDurationMs = DefaultConfig().Schedule.LeaseDurationMs
	}
	if c.Schedule.MaxConsecutiveErrors <= 0 {
		c.Schedule.MaxConsecutiveErrors = DefaultConfig().Schedule.MaxConsecutiveErrors
	}
	if c.Infrastructure.ContextBudget.HardLimitPercent <= 0 || c.Infrastructure.ContextBudget.HardLimitPercent > 1 {
		c.Infrastructure.ContextBudget.HardLimitPercent = DefaultConfig().Infrastructure.ContextBudget.HardLimitPercent
	}
	if c.Infrastructure.ContextBudget.CompactionThresholdPercent <= 0 {
		c.Infrastructure.ContextBudget.CompactionThresholdPercent = DefaultConfig().Infrastructure.ContextBudget.CompactionThresholdPercent
	}
	if c.Ledger.CheckpointEveryTurns <= 0 {
		c.Ledger.CheckpointEveryTurns = DefaultConfig().Ledger.CheckpointEveryTurns
	}
	if c.Tape.CheckpointIntervalEntries <= 0 {
		c.Tape.CheckpointIntervalEntries = DefaultConfig().Tape.CheckpointIntervalEntries
	}
	if c.Verification.TimeoutMs <= 0 {
		c.Verification.TimeoutMs = DefaultConfig().Verification.TimeoutMs
	}
}

// VerificationTimeout returns the per-check timeout as a duration.
func (c *Config) VerificationTimeout() time.Duration {
	return c.Verification.Timeout()
}

// Timeout returns the per-check timeout as a duration.
func (v *VerificationConfig) Timeout() time.Duration {
	if v.TimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(v.TimeoutMs) * time.Millisecond
}
