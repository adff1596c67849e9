// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider constants avoid magic strings when selecting an LLM backend.
const (
	ProviderGemini = "gemini"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Device   DeviceConfig   `mapstructure:"device" yaml:"device"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json".
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // Megabytes before rotation.
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // Days.
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// LLMModelConfig configures one model endpoint.
type LLMModelConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// LLMConfig selects the provider and the fast/powerful model pair.
type LLMConfig struct {
	ProviderName string         `mapstructure:"provider" yaml:"provider"`
	Fast         LLMModelConfig `mapstructure:"fast" yaml:"fast"`
	Powerful     LLMModelConfig `mapstructure:"powerful" yaml:"powerful"`
	// RequestsPerMinute rate-limits outbound model calls across both tiers.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// DatabaseConfig selects the script repository backend. An empty DSN selects
// the JSON file store.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	FilePath string `mapstructure:"file_path" yaml:"file_path"` // Script JSON directory for the file store.
}

// DeviceConfig configures the adb screen/gesture binding.
type DeviceConfig struct {
	Serial               string        `mapstructure:"serial" yaml:"serial"`
	AdbPath              string        `mapstructure:"adb_path" yaml:"adb_path"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	AutoGrantPermissions bool          `mapstructure:"auto_grant_permissions" yaml:"auto_grant_permissions"`
}

// EngineConfig bounds the mode controller and the self-improvement loop.
type EngineConfig struct {
	DefaultMode        string        `mapstructure:"default_mode" yaml:"default_mode"`
	AutoAdjust         bool          `mapstructure:"auto_adjust" yaml:"auto_adjust"`
	MaxWallClock       time.Duration `mapstructure:"max_wall_clock" yaml:"max_wall_clock"`
	MaxSteps           int           `mapstructure:"max_steps" yaml:"max_steps"`
	AgentMaxIterations int           `mapstructure:"agent_max_iterations" yaml:"agent_max_iterations"`
	ImproveCycles      int           `mapstructure:"improve_cycles" yaml:"improve_cycles"`
	StepRetryDelay     time.Duration `mapstructure:"step_retry_delay" yaml:"step_retry_delay"`
	InterStepDelay     time.Duration `mapstructure:"inter_step_delay" yaml:"inter_step_delay"`
}

// SetDefaults registers every default value on the given viper instance. It
// runs before unmarshalling so a sparse config file still yields a complete
// Config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "uipilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.fast.model", "gemini-2.0-flash")
	v.SetDefault("llm.powerful.model", "gemini-2.5-pro")
	v.SetDefault("llm.fast.api_timeout", 30*time.Second)
	v.SetDefault("llm.powerful.api_timeout", 60*time.Second)
	v.SetDefault("llm.requests_per_minute", 30)

	v.SetDefault("database.file_path", "./scripts")

	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.command_timeout", 20*time.Second)
	v.SetDefault("device.auto_grant_permissions", false)

	v.SetDefault("engine.default_mode", "smart")
	v.SetDefault("engine.auto_adjust", true)
	v.SetDefault("engine.max_wall_clock", 10*time.Minute)
	v.SetDefault("engine.max_steps", 200)
	v.SetDefault("engine.agent_max_iterations", 25)
	v.SetDefault("engine.improve_cycles", 3)
	v.SetDefault("engine.step_retry_delay", 1500*time.Millisecond)
	v.SetDefault("engine.inter_step_delay", 500*time.Millisecond)
}

// Load reads the config file (if any), applies env overrides with the UIPILOT
// prefix, and returns the validated Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("UIPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	if c.LLM.ProviderName != ProviderGemini {
		return fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", c.LLM.ProviderName, ProviderGemini)
	}
	if c.Engine.ImproveCycles < 0 {
		return fmt.Errorf("engine.improve_cycles must be >= 0, got %d", c.Engine.ImproveCycles)
	}
	if c.Engine.AgentMaxIterations <= 0 {
		return fmt.Errorf("engine.agent_max_iterations must be > 0, got %d", c.Engine.AgentMaxIterations)
	}
	switch c.Engine.DefaultMode {
	case "fast", "smart", "monitor", "agent":
	default:
		return fmt.Errorf("engine.default_mode must be one of fast|smart|monitor|agent, got %q", c.Engine.DefaultMode)
	}
	return nil
}
