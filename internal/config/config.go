package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Projects  ProjectsConfig  `toml:"projects"`
	Agents    AgentsConfig    `toml:"agents"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	Streaming StreamingConfig `toml:"streaming"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type ProjectsConfig struct {
	// Dir holds projects.json and, by default, project output directories.
	Dir string `toml:"dir"`
	// ConfigDebounceSeconds coalesces project-config writes.
	ConfigDebounceSeconds int `toml:"config_debounce_seconds"`
}

// AgentsConfig carries the process-wide per-role defaults. Projects
// override these per role.
type AgentsConfig struct {
	Wyrm          RoleConfig `toml:"wyrm"`
	Wyvern        RoleConfig `toml:"wyvern"`
	Drake         RoleConfig `toml:"drake"`
	KoboldPlanner RoleConfig `toml:"kobold_planner"`
	Kobold        RoleConfig `toml:"kobold"`
}

type RoleConfig struct {
	MaxParallel    int    `toml:"max_parallel"`
	TimeoutSeconds int    `toml:"timeout_seconds"` // 0 = unlimited
	MaxIterations  int    `toml:"max_iterations"`
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
}

type BreakerConfig struct {
	FailureThreshold         int `toml:"failure_threshold"`
	OpenDurationMinutes      int `toml:"open_duration_minutes"`
	ResetAfterSuccessMinutes int `toml:"reset_after_success_minutes"`
}

type RetryConfig struct {
	MaxAttempts           int `toml:"max_attempts"`
	BaseDelaySeconds      int `toml:"base_delay_seconds"`
	MaxDelaySeconds       int `toml:"max_delay_seconds"`
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
}

type StreamingConfig struct {
	Enabled        bool `toml:"enabled"`
	FallbackToSync bool `toml:"fallback_to_sync"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:      LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Projects: ProjectsConfig{Dir: filepath.Join(home, "kobold-projects"), ConfigDebounceSeconds: 2},
		Agents: AgentsConfig{
			Wyrm:          RoleConfig{MaxParallel: 1, MaxIterations: 30},
			Wyvern:        RoleConfig{MaxParallel: 2, MaxIterations: 20},
			Drake:         RoleConfig{MaxParallel: 1, MaxIterations: 20},
			KoboldPlanner: RoleConfig{MaxParallel: 2, MaxIterations: 10},
			Kobold:        RoleConfig{MaxParallel: 4, MaxIterations: 20},
		},
		Breaker: BreakerConfig{FailureThreshold: 3, OpenDurationMinutes: 10, ResetAfterSuccessMinutes: 5},
		Retry:   RetryConfig{MaxAttempts: 3, BaseDelaySeconds: 1, MaxDelaySeconds: 60, RequestTimeoutSeconds: 600},
		Streaming: StreamingConfig{
			Enabled:        false,
			FallbackToSync: true,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "kobold.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("KOBOLD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("KOBOLD_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("KOBOLD_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("KOBOLD_PROJECTS_DIR"); v != "" {
		cfg.Projects.Dir = v
	}
	if v := os.Getenv("KOBOLD_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("KOBOLD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	for _, role := range []*RoleConfig{&cfg.Agents.Wyrm, &cfg.Agents.Wyvern, &cfg.Agents.Drake, &cfg.Agents.KoboldPlanner, &cfg.Agents.Kobold} {
		if role.Provider == "" {
			role.Provider = cfg.LLM.Provider
		}
		if role.Model == "" {
			role.Model = cfg.LLM.Model
		}
	}

	return cfg
}
