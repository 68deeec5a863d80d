// Package config resolves process configuration from defaults, an
// optional config.yaml overlay, and environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every operator-tunable knob named in the environment
// configuration section. Each field is set from the like-named
// environment variable (AGENT_POOL_SIZE sets AgentPoolSize); the
// variables carry no prefix.
type Config struct {
	HomeDir string `yaml:"-"`

	WorkspacePath            string `yaml:"workspace_path"`
	AgentPoolSize            int    `yaml:"agent_pool_size"`
	AgentHeartbeatIntervalMs int    `yaml:"agent_heartbeat_interval_ms"`
	AgentStaleThresholdSec   int    `yaml:"agent_stale_threshold_seconds"`
	AgentTaskTimeoutSec      int    `yaml:"agent_task_timeout_seconds"`
	MaxWorktreesPerCodebase  int    `yaml:"max_worktrees_per_codebase"`
	StaleThresholdDays       int    `yaml:"stale_threshold_days"`
	LongResponseThreshold    int    `yaml:"long_response_threshold"`
	NotifyOnRiskTools        bool   `yaml:"notify_on_risk_tools"`
	BlockingApprovals        bool   `yaml:"blocking_approvals"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	TelegramToken      string  `yaml:"telegram_token"`
	TelegramAllowedIDs []int64 `yaml:"telegram_allowed_ids"`
}

// defaults returns the hard-coded fallback values from §6.6 before any
// overlay or environment variable is applied.
func defaults() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		WorkspacePath:            filepath.Join(home, ".lugh", "workspaces"),
		AgentPoolSize:            4,
		AgentHeartbeatIntervalMs: 30000,
		AgentStaleThresholdSec:   120,
		AgentTaskTimeoutSec:      300,
		MaxWorktreesPerCodebase:  10,
		StaleThresholdDays:       14,
		LongResponseThreshold:    2000,
		NotifyOnRiskTools:        true,
		BlockingApprovals:        false,
		LogLevel:                 "info",
	}
}

// Load builds a Config by layering defaults, an optional
// <homeDir>/config.yaml overlay, and environment variables.
// homeDir defaults to $LUGH_HOME or ~/.lugh when empty.
func Load(homeDir string) (Config, error) {
	cfg := defaults()

	if homeDir == "" {
		if override := os.Getenv("LUGH_HOME"); override != "" {
			homeDir = override
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			homeDir = filepath.Join(home, ".lugh")
		}
	}
	cfg.HomeDir = homeDir

	if err := applyYAMLOverlay(&cfg, filepath.Join(homeDir, "config.yaml")); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)

	if cfg.AgentPoolSize < 1 {
		return Config{}, fmt.Errorf("config: AGENT_POOL_SIZE must be at least 1, got %d", cfg.AgentPoolSize)
	}
	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKSPACE_PATH"); v != "" {
		cfg.WorkspacePath = v
	}
	if v := envInt("AGENT_POOL_SIZE"); v != nil {
		cfg.AgentPoolSize = *v
	}
	if v := envInt("AGENT_HEARTBEAT_INTERVAL_MS"); v != nil {
		cfg.AgentHeartbeatIntervalMs = *v
	}
	if v := envInt("AGENT_STALE_THRESHOLD"); v != nil {
		cfg.AgentStaleThresholdSec = *v
	}
	if v := envInt("AGENT_TASK_TIMEOUT"); v != nil {
		cfg.AgentTaskTimeoutSec = *v
	}
	if v := envInt("MAX_WORKTREES_PER_CODEBASE"); v != nil {
		cfg.MaxWorktreesPerCodebase = *v
	}
	if v := envInt("STALE_THRESHOLD_DAYS"); v != nil {
		cfg.StaleThresholdDays = *v
	}
	if v := envInt("LONG_RESPONSE_THRESHOLD"); v != nil {
		cfg.LongResponseThreshold = *v
	}
	if v := envBool("NOTIFY_ON_RISK_TOOLS"); v != nil {
		cfg.NotifyOnRiskTools = *v
	}
	if v := envBool("BLOCKING_APPROVALS"); v != nil {
		cfg.BlockingApprovals = *v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envBool("QUIET"); v != nil {
		cfg.Quiet = *v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_IDS"); v != "" {
		cfg.TelegramAllowedIDs = parseInt64List(v)
	}
}

func envInt(name string) *int {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func envBool(name string) *bool {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

func parseInt64List(raw string) []int64 {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Redacted returns a copy of the config with secret-bearing fields
// masked, suitable for logging at startup.
func (c Config) Redacted() map[string]any {
	token := "[REDACTED]"
	if c.TelegramToken == "" {
		token = ""
	}
	return map[string]any{
		"workspace_path":              c.WorkspacePath,
		"agent_pool_size":             c.AgentPoolSize,
		"agent_heartbeat_interval_ms": c.AgentHeartbeatIntervalMs,
		"agent_stale_threshold_s":     c.AgentStaleThresholdSec,
		"agent_task_timeout_s":        c.AgentTaskTimeoutSec,
		"max_worktrees_per_codebase":  c.MaxWorktreesPerCodebase,
		"stale_threshold_days":        c.StaleThresholdDays,
		"long_response_threshold":     c.LongResponseThreshold,
		"notify_on_risk_tools":        c.NotifyOnRiskTools,
		"blocking_approvals":          c.BlockingApprovals,
		"log_level":                   c.LogLevel,
		"telegram_token":              token,
	}
}
