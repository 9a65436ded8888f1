// Package config loads agentd settings from <home>/config.yaml with
// environment overrides. Missing file means defaults; a malformed file
// is an error, never a silent fallback.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentd/internal/backend"
)

// LLMConfig selects the backend provider and model. The API key is
// never stored in the file; APIKeyEnv names the environment variable
// that holds it.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" or "openai"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"` // custom endpoint, empty for the provider default
}

// BudgetConfig tunes the thread token budget.
type BudgetConfig struct {
	ContextLimit     int     `yaml:"context_limit"`     // 0 resolves from the model catalog
	WarningThreshold float64 `yaml:"warning_threshold"` // fraction of the limit, 0 uses the default
	ReserveTokens    int     `yaml:"reserve_tokens"`    // headroom withheld from the limit, 0 uses the default, negative disables
}

// ScheduleConfig defines one recurring input fed to the agent.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"` // standard 5-field expression
	Message  string `yaml:"message"`
	Priority string `yaml:"priority"` // "high" or "normal"
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint; empty uses stdout export
}

// ApprovalMode selects how tool approvals are gated.
type ApprovalMode string

const (
	// ApprovalAsk routes non-auto-approved tools through the durable
	// handshake.
	ApprovalAsk ApprovalMode = "ask"
	// ApprovalAuto runs every tool without asking. Intended for
	// unattended schedules in trusted working directories.
	ApprovalAuto ApprovalMode = "auto"
)

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel   string `yaml:"log_level"`
	WorkingDir string `yaml:"working_dir"`
	PolicyPath string `yaml:"policy_path"`

	// SystemPromptPath names the instruction file; it is watched for
	// changes while the agent runs.
	SystemPromptPath string `yaml:"system_prompt_path"`

	MaxTurns  int `yaml:"max_turns"`
	MaxTokens int `yaml:"max_tokens"`

	Approval ApprovalMode `yaml:"approval"`

	LLM    LLMConfig    `yaml:"llm"`
	Budget BudgetConfig `yaml:"budget"`

	// ContextLimits overrides the model catalog, keyed "model" or
	// "provider/model".
	ContextLimits map[string]int `yaml:"context_limits"`

	Schedules []ScheduleConfig `yaml:"schedules"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// HomeDir returns the agentd home, honoring the AGENTD_HOME override.
func HomeDir() string {
	if override := os.Getenv("AGENTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd")
}

// ConfigPath returns the path to config.yaml within the given home.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Approval: ApprovalAsk,
		LLM: LLMConfig{
			Provider: "anthropic",
		},
	}
}

// Load reads config.yaml from the agentd home, creating the home
// directory if needed, and applies env overrides and defaults. Model
// context-limit overrides are installed into the backend catalog.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTD_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("AGENTD_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGENTD_WORKING_DIR"); v != "" {
		cfg.WorkingDir = v
	}
	if raw := os.Getenv("AGENTD_MAX_TURNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxTurns = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Approval == "" {
		cfg.Approval = ApprovalAsk
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.Model = "gpt-4o"
		default:
			cfg.LLM.Model = "claude-sonnet-4-5"
		}
	}
	if cfg.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDir = wd
		}
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.SystemPromptPath == "" {
		cfg.SystemPromptPath = filepath.Join(cfg.HomeDir, "SYSTEM.md")
	}
	if cfg.Budget.ContextLimit <= 0 {
		cfg.Budget.ContextLimit = backend.ContextLimitForModel(cfg.LLM.Provider, cfg.LLM.Model, cfg.ContextLimits)
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", cfg.LLM.Provider)
	}
	switch cfg.Approval {
	case ApprovalAsk, ApprovalAuto:
	default:
		return fmt.Errorf("unknown approval mode %q", cfg.Approval)
	}
	for _, s := range cfg.Schedules {
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedule %q has no cron expression", s.Name)
		}
		if s.Priority != "" && s.Priority != "high" && s.Priority != "normal" {
			return fmt.Errorf("schedule %q has unknown priority %q", s.Name, s.Priority)
		}
	}
	return nil
}

// APIKey resolves the backend API key: the configured env var name
// first, then the provider's conventional variable.
func (c Config) APIKey() string {
	if c.LLM.APIKeyEnv != "" {
		if v := os.Getenv(c.LLM.APIKeyEnv); v != "" {
			return v
		}
	}
	conventional := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := conventional[c.LLM.Provider]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// DBPath returns the thread store location within the agentd home.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "agentd.db")
}

// Fingerprint returns a stable hash of the active settings, logged at
// startup so operators can tell which config a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|approval=%s|workdir=%s|limit=%d|log=%s",
		c.LLM.Provider, c.LLM.Model, c.Approval, c.WorkingDir, c.Budget.ContextLimit, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
