package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/helmsman/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all helmsman configuration.
type Config struct {
	DBPath   string         `yaml:"db_path"`
	Log      LogConfig      `yaml:"log"`
	Budget   BudgetConfig   `yaml:"budget"`
	Router   RouterConfig   `yaml:"router"`
	Context  ContextConfig  `yaml:"context"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	MCP      MCPConfig      `yaml:"mcp"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Audit    AuditConfig    `yaml:"audit"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BudgetConfig controls daily spend enforcement.
type BudgetConfig struct {
	DailyLimit     float64                 `yaml:"daily_limit"`
	HistoryDays    int                     `yaml:"history_days"`
	Timezone       string                  `yaml:"timezone"`
	ReferenceModel string                  `yaml:"reference_model"`
	Pricing        map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing overrides the built-in per-million-token prices of a model.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
	// CachedPerMTok prices cache-read input. Zero means 20% of input.
	CachedPerMTok float64 `yaml:"cached_per_mtok"`
}

// RouterConfig maps task types to models and declares soft limits.
type RouterConfig struct {
	DefaultModel string                        `yaml:"default_model"`
	Tasks        map[models.TaskType]TaskRoute `yaml:"tasks"`
	Models       map[string]ModelLimits        `yaml:"models"`
	DefaultBan   time.Duration                 `yaml:"default_ban"`
	MaxAttempts  int                           `yaml:"max_attempts"`
}

// TaskRoute is the primary model for a task and its fallback.
type TaskRoute struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// ModelLimits are locally enforced request ceilings. Zero means unlimited.
type ModelLimits struct {
	RPM int `yaml:"rpm"`
	RPD int `yaml:"rpd"`
}

// ContextConfig bounds per-conversation dialogue state.
type ContextConfig struct {
	MaxHistory    int           `yaml:"max_history"`
	MaxMemories   int           `yaml:"max_memories"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ConfidenceFloor and MaxExchanges trigger escalation to staff.
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	MaxExchanges    int     `yaml:"max_exchanges"`
}

// BridgeConfig controls the connection to the chat process.
type BridgeConfig struct {
	Addr           string        `yaml:"addr"`
	Token          string        `yaml:"token"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// MCPConfig points at the external tool server.
type MCPConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`

	// MemoryTool, when set, is called with each user message to fetch
	// related knowledge for the conversation.
	MemoryTool string `yaml:"memory_tool"`
}

// ProviderConfig defines the OpenAI-compatible model endpoint.
type ProviderConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// CacheConfig controls the classification cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// AuditConfig controls the per-call audit log.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "prompts", "responses"
	ExcludeModels []string `yaml:"exclude_models"`
	MaxBodySize   int      `yaml:"max_body_size"` // bytes
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "helmsman.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Budget: BudgetConfig{
			DailyLimit:     5.0,
			HistoryDays:    30,
			ReferenceModel: "gpt-4o",
		},
		Router: RouterConfig{
			DefaultModel: "gpt-4o-mini",
			Tasks: map[models.TaskType]TaskRoute{
				models.TaskClassification: {Primary: "gpt-4o-mini", Fallback: "gemini-2.0-flash"},
				models.TaskSummary:        {Primary: "gpt-4o-mini", Fallback: "gemini-2.0-flash"},
				models.TaskConversation:   {Primary: "gpt-4o", Fallback: "gpt-4o-mini"},
				models.TaskEmbedding:      {Primary: "text-embedding-3-small"},
				models.TaskAnalysis:       {Primary: "gpt-4o", Fallback: "claude-haiku-4-5"},
			},
			Models: map[string]ModelLimits{
				"gpt-4o":           {RPM: 60, RPD: 2000},
				"gpt-4o-mini":      {RPM: 120, RPD: 10000},
				"gemini-2.0-flash": {RPM: 15, RPD: 1500},
			},
			DefaultBan:  60 * time.Second,
			MaxAttempts: 3,
		},
		Context: ContextConfig{
			MaxHistory:      20,
			MaxMemories:     5,
			IdleTimeout:     30 * time.Minute,
			SweepInterval:   5 * time.Minute,
			ConfidenceFloor: 0.4,
			MaxExchanges:    10,
		},
		Bridge: BridgeConfig{
			Addr:           "127.0.0.1:7420",
			CallTimeout:    15 * time.Second,
			MaxRetries:     10,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		MCP: MCPConfig{
			Addr:    "127.0.0.1:7421",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			DBPath:        "helmsman_audit.db",
			RetentionDays: 30,
			MaxBodySize:   16 * 1024,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks values the core relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Budget.DailyLimit < 0 {
		errs = append(errs, errors.New("budget.daily_limit must not be negative"))
	}
	if c.Budget.HistoryDays < 0 {
		errs = append(errs, errors.New("budget.history_days must not be negative"))
	}
	if c.Budget.Timezone != "" {
		if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("budget.timezone: %w", err))
		}
	}
	for task, route := range c.Router.Tasks {
		if !task.Valid() {
			errs = append(errs, fmt.Errorf("router.tasks: unknown task %q", task))
		}
		if route.Primary == "" {
			errs = append(errs, fmt.Errorf("router.tasks.%s: primary is required", task))
		}
	}
	for model, limits := range c.Router.Models {
		if limits.RPM < 0 || limits.RPD < 0 {
			errs = append(errs, fmt.Errorf("router.models.%s: limits must not be negative", model))
		}
	}
	if c.Context.MaxHistory < 0 {
		errs = append(errs, errors.New("context.max_history must not be negative"))
	}
	if c.Context.ConfidenceFloor < 0 || c.Context.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("context.confidence_floor must be between 0 and 1"))
	}
	if c.Bridge.MaxRetries < 0 {
		errs = append(errs, errors.New("bridge.max_retries must not be negative"))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive when the cache is enabled"))
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		errs = append(errs, errors.New("audit.db_path is required when the audit log is enabled"))
	}
	for _, v := range c.Audit.Include {
		if v != "prompts" && v != "responses" {
			errs = append(errs, fmt.Errorf("audit.include: unknown value %q", v))
		}
	}
	return errors.Join(errs...)
}

// Location returns the budget day's time zone.
func (c *Config) Location() *time.Location {
	if c.Budget.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Budget.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
