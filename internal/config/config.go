// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Cache() CacheConfig
	Retention() RetentionConfig
	Limits() LimitsConfig
	Repair() RepairConfig
	Verify() VerifyConfig
	Isolation() IsolationConfig
	Debug() DebugConfig
	Prompts() PromptsConfig
	LLM() LLMRouterConfig
}

// Config holds the entire application configuration. It uses private fields
// to enforce access through the Interface's getter methods; decoding goes
// through configSpec because viper's decoder cannot set unexported fields.
type Config struct {
	logger    LoggerConfig
	cache     CacheConfig
	retention RetentionConfig
	limits    LimitsConfig
	repair    RepairConfig
	verify    VerifyConfig
	isolation IsolationConfig
	debug     DebugConfig
	prompts   PromptsConfig
	llm       LLMRouterConfig
}

// configSpec is the exported mirror of Config that v.Unmarshal decodes into.
type configSpec struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Repair    RepairConfig    `mapstructure:"repair" yaml:"repair"`
	Verify    VerifyConfig    `mapstructure:"verify" yaml:"verify"`
	Isolation IsolationConfig `mapstructure:"isolation" yaml:"isolation"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Prompts   PromptsConfig   `mapstructure:"prompts" yaml:"prompts"`
	LLM       LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var spec configSpec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, err
	}
	return &Config{
		logger:    spec.Logger,
		cache:     spec.Cache,
		retention: spec.Retention,
		limits:    spec.Limits,
		repair:    spec.Repair,
		verify:    spec.Verify,
		isolation: spec.Isolation,
		debug:     spec.Debug,
		prompts:   spec.Prompts,
		llm:       spec.LLM,
	}, nil
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.logger }
func (c *Config) Cache() CacheConfig         { return c.cache }
func (c *Config) Retention() RetentionConfig { return c.retention }
func (c *Config) Limits() LimitsConfig       { return c.limits }
func (c *Config) Repair() RepairConfig       { return c.repair }
func (c *Config) Verify() VerifyConfig       { return c.verify }
func (c *Config) Isolation() IsolationConfig { return c.isolation }
func (c *Config) Debug() DebugConfig         { return c.debug }
func (c *Config) Prompts() PromptsConfig     { return c.prompts }
func (c *Config) LLM() LLMRouterConfig       { return c.llm }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CacheConfig locates the directory job artifacts live under.
type CacheConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// RetentionConfig bounds how many finished jobs are kept and for how long.
type RetentionConfig struct {
	MaxJobs     int `mapstructure:"max_jobs" yaml:"max_jobs"`
	MaxAgeHours int `mapstructure:"max_age_hours" yaml:"max_age_hours"`
}

func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeHours) * time.Hour
}

// LimitsConfig caps how much source the context bundle may carry.
type LimitsConfig struct {
	MaxFilesTotal   int `mapstructure:"max_files_total" yaml:"max_files_total"`
	MaxBytesPerFile int `mapstructure:"max_bytes_per_file" yaml:"max_bytes_per_file"`
	MaxTotalBytes   int `mapstructure:"max_total_bytes" yaml:"max_total_bytes"`
}

// RepairConfig tunes the fix pipeline.
type RepairConfig struct {
	// MaxIterations is the total number of chair attempts per job,
	// including the first.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// VerifyConfig tunes the verification sandbox.
type VerifyConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	GlobalBudget   time.Duration `mapstructure:"global_budget" yaml:"global_budget"`
	OutputCapBytes int           `mapstructure:"output_cap_bytes" yaml:"output_cap_bytes"`
	ExtraEnv       []string      `mapstructure:"extra_env" yaml:"extra_env"`
}

// IsolationConfig holds the isolation.include_untracked setting. Target
// resolution does not read it: the dirty-target sentinel always expands to
// tracked files only.
type IsolationConfig struct {
	IncludeUntracked bool `mapstructure:"include_untracked" yaml:"include_untracked"`
}

// DebugConfig gates developer-facing capture of raw model traffic.
type DebugConfig struct {
	RawLog bool `mapstructure:"raw_log" yaml:"raw_log"`
}

// PromptsConfig pins the prompt asset set.
type PromptsConfig struct {
	Version string `mapstructure:"version" yaml:"version"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the role-to-model routing logic. Roles maps a
// council seat name to a key in Models; seats without an entry fall back to
// DefaultModel.
type LLMRouterConfig struct {
	DefaultModel string                    `mapstructure:"default_model" yaml:"default_model"`
	Roles        map[string]string         `mapstructure:"roles" yaml:"roles"`
	Models       map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model             string            `mapstructure:"model" yaml:"model"`
	APIKey            string            `mapstructure:"api_key" yaml:"-"`
	Endpoint          string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute float64           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := unmarshalConfig(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// defaultCacheRoot resolves the per-user cache directory for job artifacts.
func defaultCacheRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "council_runs")
	}
	return filepath.Join(base, "council_runs")
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "council-cli")
	v.SetDefault("logger.log_file", "council.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Cache / retention --
	v.SetDefault("cache.root", defaultCacheRoot())
	v.SetDefault("retention.max_jobs", 20)
	v.SetDefault("retention.max_age_hours", 24)

	// -- Context limits --
	v.SetDefault("limits.max_files_total", 40)
	v.SetDefault("limits.max_bytes_per_file", 80_000)
	v.SetDefault("limits.max_total_bytes", 2<<20)

	// -- Repair --
	v.SetDefault("repair.max_iterations", 2)

	// -- Verify --
	v.SetDefault("verify.command_timeout", "10m")
	v.SetDefault("verify.global_budget", "1h")
	v.SetDefault("verify.output_cap_bytes", 1<<20)

	// -- Isolation --
	v.SetDefault("isolation.include_untracked", false)

	// -- Debug --
	v.SetDefault("debug.raw_log", false)

	// -- Prompts --
	v.SetDefault("prompts.version", "v2")

	// -- LLM --
	v.SetDefault("llm.default_model", "gemini-pro")
	v.SetDefault("llm.models.gemini-pro.provider", "gemini")
	v.SetDefault("llm.models.gemini-pro.model", "gemini-2.5-pro")
	v.SetDefault("llm.models.gemini-pro.api_timeout", "2m")
	v.SetDefault("llm.models.gemini-pro.temperature", 0.2)
	v.SetDefault("llm.models.gemini-flash.provider", "gemini")
	v.SetDefault("llm.models.gemini-flash.model", "gemini-2.5-flash")
	v.SetDefault("llm.models.gemini-flash.api_timeout", "2m")
	v.SetDefault("llm.models.gemini-flash.temperature", 0.2)
	v.SetDefault("llm.roles.critic_a", "gemini-pro")
	v.SetDefault("llm.roles.critic_b", "gemini-flash")
	v.SetDefault("llm.roles.chair", "gemini-pro")
	v.SetDefault("llm.roles.implementer", "gemini-pro")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("llm.models.gemini-pro.api_key", "COUNCIL_GEMINI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("llm.models.gemini-flash.api_key", "COUNCIL_GEMINI_API_KEY", "GEMINI_API_KEY")

	cfg, err := unmarshalConfig(v)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.cache.Root == "" {
		return fmt.Errorf("cache.root must not be empty")
	}
	if c.retention.MaxJobs <= 0 {
		return fmt.Errorf("retention.max_jobs must be a positive integer")
	}
	if c.retention.MaxAgeHours <= 0 {
		return fmt.Errorf("retention.max_age_hours must be a positive integer")
	}
	if c.limits.MaxFilesTotal <= 0 || c.limits.MaxBytesPerFile <= 0 || c.limits.MaxTotalBytes <= 0 {
		return fmt.Errorf("limits values must be positive integers")
	}
	if c.repair.MaxIterations <= 0 {
		return fmt.Errorf("repair.max_iterations must be a positive integer")
	}
	if c.verify.CommandTimeout <= 0 || c.verify.GlobalBudget <= 0 {
		return fmt.Errorf("verify timeouts must be positive durations")
	}
	if err := c.llm.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the router's role wiring.
func (l *LLMRouterConfig) Validate() error {
	if l.DefaultModel == "" {
		return fmt.Errorf("default_model must not be empty")
	}
	if _, ok := l.Models[l.DefaultModel]; !ok {
		return fmt.Errorf("default_model %q has no models entry", l.DefaultModel)
	}
	for role, model := range l.Roles {
		if _, ok := l.Models[model]; !ok {
			return fmt.Errorf("role %q routes to unknown model %q", role, model)
		}
	}
	return nil
}

// ModelFor resolves the model configuration for a council seat.
func (l *LLMRouterConfig) ModelFor(role string) LLMModelConfig {
	if key, ok := l.Roles[role]; ok {
		if m, found := l.Models[key]; found {
			return m
		}
	}
	return l.Models[l.DefaultModel]
}
