package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/prep-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Credits    CreditsConfig    `yaml:"credits" mapstructure:"credits"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RedisConfig configures the optional Redis credit ledger.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// CreditsConfig selects the credit ledger and its degraded policy.
type CreditsConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	DegradedPolicy string `yaml:"degraded_policy" mapstructure:"degraded_policy"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	WebSearch bool   `yaml:"web_search" mapstructure:"web_search"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
}

// GenerationConfig selects the text-generation backend.
type GenerationConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SearchConfig configures the per-subject web search.
type SearchConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxResults  int `yaml:"max_results" mapstructure:"max_results"`
}

// PipelineConfig configures the meeting orchestrator.
type PipelineConfig struct {
	MaxConcurrency   int    `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	TalkingPoints    string `yaml:"talking_points" mapstructure:"talking_points"`
	MaxTalkingPoints int    `yaml:"max_talking_points" mapstructure:"max_talking_points"`
}

// PricingConfig holds the fallback cost coefficients used when the config
// store has no value for a key.
type PricingConfig struct {
	InputPerMTok    float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok   float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
	CachedPerMTok   float64 `yaml:"cached_per_mtok" mapstructure:"cached_per_mtok"`
	ThinkingPerMTok float64 `yaml:"thinking_per_mtok" mapstructure:"thinking_per_mtok"`
	ToolUsePerMTok  float64 `yaml:"tool_use_per_mtok" mapstructure:"tool_use_per_mtok"`
	SearchPer1K     float64 `yaml:"search_per_1k" mapstructure:"search_per_1k"`
	USDPerCredit    float64 `yaml:"usd_per_credit" mapstructure:"usd_per_credit"`
	RoundingStep    float64 `yaml:"credit_rounding_step" mapstructure:"credit_rounding_step"`
}

// Coefficients converts the pricing section into a fallback table.
func (p PricingConfig) Coefficients() cost.Coefficients {
	return cost.Coefficients{
		Version:         cost.VersionDefault,
		InputPerMTok:    p.InputPerMTok,
		OutputPerMTok:   p.OutputPerMTok,
		CachedPerMTok:   p.CachedPerMTok,
		ThinkingPerMTok: p.ThinkingPerMTok,
		ToolUsePerMTok:  p.ToolUsePerMTok,
		SearchPer1K:     p.SearchPer1K,
		USDPerCredit:    p.USDPerCredit,
		RoundingStep:    p.RoundingStep,
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("credits.backend", "store")
	v.SetDefault("credits.degraded_policy", "allow")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.web_search", false)
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.rps", 5.0)
	v.SetDefault("generation.provider", "anthropic")
	v.SetDefault("generation.timeout_secs", 60)
	v.SetDefault("search.timeout_secs", 15)
	v.SetDefault("search.max_results", 5)
	v.SetDefault("pipeline.max_concurrency", 6)
	v.SetDefault("pipeline.timeout_secs", 0)
	v.SetDefault("pipeline.talking_points", "heuristic")
	v.SetDefault("pipeline.max_talking_points", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "prep-cli")

	fallback := cost.DefaultCoefficients()
	v.SetDefault("pricing.input_per_mtok", fallback.InputPerMTok)
	v.SetDefault("pricing.output_per_mtok", fallback.OutputPerMTok)
	v.SetDefault("pricing.cached_per_mtok", fallback.CachedPerMTok)
	v.SetDefault("pricing.thinking_per_mtok", fallback.ThinkingPerMTok)
	v.SetDefault("pricing.tool_use_per_mtok", fallback.ToolUsePerMTok)
	v.SetDefault("pricing.search_per_1k", fallback.SearchPer1K)
	v.SetDefault("pricing.usd_per_credit", fallback.USDPerCredit)
	v.SetDefault("pricing.credit_rounding_step", fallback.RoundingStep)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command needs. mode is one of "research",
// "serve", "migrate", "credits", "coefficients" or "meetings".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "research":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateResearch()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateResearch()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "credits", "coefficients", "meetings":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	errs = append(errs, c.validateCredits()...)

	if err := c.Pricing.Coefficients().Validate(); err != nil {
		errs = append(errs, "pricing: "+err.Error())
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	case "sqlite":
	default:
		return []string{"store.driver must be postgres or sqlite"}
	}
	return nil
}

func (c *Config) validateResearch() []string {
	var errs []string
	switch c.Generation.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "perplexity":
		if c.Perplexity.Key == "" {
			errs = append(errs, "perplexity.key is required")
		}
	default:
		errs = append(errs, "generation.provider must be anthropic or perplexity")
	}
	if c.Jina.Key == "" {
		errs = append(errs, "jina.key is required")
	}
	if c.Pipeline.MaxConcurrency < 1 || c.Pipeline.MaxConcurrency > 50 {
		errs = append(errs, "pipeline.max_concurrency must be between 1 and 50")
	}
	if c.Pipeline.TimeoutSecs < 0 {
		errs = append(errs, "pipeline.timeout_secs must be >= 0")
	}
	if tp := c.Pipeline.TalkingPoints; tp != "heuristic" && tp != "structured" {
		errs = append(errs, "pipeline.talking_points must be heuristic or structured")
	}
	return errs
}

func (c *Config) validateCredits() []string {
	var errs []string
	switch c.Credits.Backend {
	case "store":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required when credits.backend is redis")
		}
	default:
		errs = append(errs, "credits.backend must be store or redis")
	}
	if p := c.Credits.DegradedPolicy; p != "allow" && p != "deny" {
		errs = append(errs, "credits.degraded_policy must be allow or deny")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
