// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is built once at startup
// and handed to every component that needs a slice of it.
type Config struct {
	Logger  LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Network NetworkConfig  `mapstructure:"network" yaml:"network"`
	Digest  DigestConfig   `mapstructure:"digest" yaml:"digest"`
	Feeds   FeedsConfig    `mapstructure:"feeds" yaml:"feeds"`
	Enrich  EnrichConfig   `mapstructure:"enrich" yaml:"enrich"`
	LLM     LLMModelConfig `mapstructure:"llm" yaml:"llm"`
	Publish PublishConfig  `mapstructure:"publish" yaml:"publish"`
	State   StateConfig    `mapstructure:"state" yaml:"state"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

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

// NetworkConfig tunes the shared outbound HTTP client.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// DigestConfig controls candidate selection.
type DigestConfig struct {
	LookbackDays int  `mapstructure:"lookback_days" yaml:"lookback_days"`
	DryRun       bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// FeedsConfig groups the per-feed adapter settings.
type FeedsConfig struct {
	NVD       NVDConfig       `mapstructure:"nvd" yaml:"nvd"`
	SecGemini SecGeminiConfig `mapstructure:"sec_gemini" yaml:"sec_gemini"`
	JVN       JVNConfig       `mapstructure:"jvn" yaml:"jvn"`
	KEV       KEVConfig       `mapstructure:"kev" yaml:"kev"`
}

// NVDConfig configures the NVD CVE API 2.0 adapter.
type NVDConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	URL            string        `mapstructure:"url" yaml:"url"`
	APIKey         string        `mapstructure:"api_key" yaml:"-"`
	ResultsPerPage int           `mapstructure:"results_per_page" yaml:"results_per_page"`
	MaxPages       int           `mapstructure:"max_pages" yaml:"max_pages"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SecGeminiConfig configures the Sec-Gemini latest.json adapter.
type SecGeminiConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	URL        string        `mapstructure:"url" yaml:"url"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// JVNConfig configures the MyJVN adapter.
type JVNConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// KEVConfig configures the CISA Known Exploited Vulnerabilities adapter.
type KEVConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	JSONURL string        `mapstructure:"json_url" yaml:"json_url"`
	CSVURL  string        `mapstructure:"csv_url" yaml:"csv_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EnrichConfig configures web search and page collection for enrichment.
type EnrichConfig struct {
	SerpAPIKey  string        `mapstructure:"serpapi_api_key" yaml:"-"`
	BingAPIKey  string        `mapstructure:"bing_api_key" yaml:"-"`
	MaxPages    int           `mapstructure:"max_pages" yaml:"max_pages"`
	MaxBlobSize int           `mapstructure:"max_blob_size" yaml:"max_blob_size"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMModelConfig defines the configuration for the summarization model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// PublishConfig holds the WordPress destination.
type PublishConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	User         string        `mapstructure:"user" yaml:"user"`
	AppPassword  string        `mapstructure:"app_password" yaml:"-"`
	HeroImageURL string        `mapstructure:"hero_image_url" yaml:"hero_image_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StateConfig selects where the selection state is persisted.
type StateConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Path        string `mapstructure:"path" yaml:"path"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// MetricsConfig configures the optional node_exporter textfile output.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

const (
	StateBackendFile     = "file"
	StateBackendPostgres = "postgres"
)

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "vulndigest")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.user_agent", "VulnDigest/1.0")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)

	// -- Digest --
	v.SetDefault("digest.lookback_days", 7)
	v.SetDefault("digest.dry_run", false)

	// -- Feeds --
	v.SetDefault("feeds.nvd.enabled", true)
	v.SetDefault("feeds.nvd.url", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("feeds.nvd.results_per_page", 200)
	v.SetDefault("feeds.nvd.max_pages", 5)
	v.SetDefault("feeds.nvd.rate_limit", 0.16) // 5 requests per 30s without an API key.
	v.SetDefault("feeds.nvd.timeout", "60s")
	v.SetDefault("feeds.sec_gemini.enabled", true)
	v.SetDefault("feeds.sec_gemini.url", "https://raw.githubusercontent.com/Teeeda112923/sec-gemini-main/main/output/latest.json")
	v.SetDefault("feeds.sec_gemini.retry_delay", "3s")
	v.SetDefault("feeds.sec_gemini.timeout", "30s")
	v.SetDefault("feeds.jvn.enabled", true)
	v.SetDefault("feeds.jvn.url", "https://jvndb.jvn.jp/myjvn")
	v.SetDefault("feeds.jvn.timeout", "30s")
	v.SetDefault("feeds.kev.enabled", true)
	v.SetDefault("feeds.kev.json_url", "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json")
	v.SetDefault("feeds.kev.csv_url", "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.csv")
	v.SetDefault("feeds.kev.timeout", "30s")

	// -- Enrich --
	v.SetDefault("enrich.max_pages", 6)
	v.SetDefault("enrich.max_blob_size", 4000)
	v.SetDefault("enrich.timeout", "20s")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderOpenAI))
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)

	// -- Publish --
	v.SetDefault("publish.timeout", "30s")

	// -- State --
	v.SetDefault("state.backend", StateBackendFile)
	v.SetDefault("state.path", "data/processed.json")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The deployment environment predates the VULNDIGEST_ prefix, so the
	// historical variable names stay recognized after the prefixed ones.
	bindings := map[string][]string{
		"digest.lookback_days":   {"VULNDIGEST_DIGEST_LOOKBACK_DAYS", "DIGEST_LOOKBACK_DAYS"},
		"feeds.nvd.api_key":      {"VULNDIGEST_FEEDS_NVD_API_KEY", "NVD_API_KEY"},
		"feeds.sec_gemini.url":   {"VULNDIGEST_FEEDS_SEC_GEMINI_URL", "SEC_GEMINI_FEED_URL"},
		"enrich.serpapi_api_key": {"VULNDIGEST_ENRICH_SERPAPI_API_KEY", "SERPAPI_API_KEY"},
		"enrich.bing_api_key":    {"VULNDIGEST_ENRICH_BING_API_KEY", "BING_SEARCH_API_KEY", "BING_API_KEY"},
		"llm.api_key":            {"VULNDIGEST_LLM_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"},
		"publish.base_url":       {"VULNDIGEST_PUBLISH_BASE_URL", "WP_BASE_URL"},
		"publish.user":           {"VULNDIGEST_PUBLISH_USER", "WP_USER"},
		"publish.app_password":   {"VULNDIGEST_PUBLISH_APP_PASSWORD", "WP_APP_PASSWORD"},
		"publish.hero_image_url": {"VULNDIGEST_PUBLISH_HERO_IMAGE_URL", "WP_HERO_IMAGE_URL"},
		"state.database_url":     {"VULNDIGEST_STATE_DATABASE_URL", "DATABASE_URL"},
		"metrics.textfile_path":  {"VULNDIGEST_METRICS_TEXTFILE_PATH"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves "~" in every filesystem path the config carries.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.State.Path, &c.Metrics.TextfilePath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not expand path '%s': %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
// Publishing credentials are checked separately by PublishConfig.Validate,
// because only the publish path needs them.
func (c *Config) Validate() error {
	if c.Digest.LookbackDays <= 0 {
		return fmt.Errorf("digest.lookback_days must be a positive integer")
	}
	if c.Feeds.NVD.ResultsPerPage <= 0 || c.Feeds.NVD.ResultsPerPage > 2000 {
		return fmt.Errorf("feeds.nvd.results_per_page must be between 1 and 2000")
	}
	if c.Feeds.NVD.MaxPages <= 0 {
		return fmt.Errorf("feeds.nvd.max_pages must be a positive integer")
	}
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state configuration invalid: %w", err)
	}
	switch c.LLM.Provider {
	case "", ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider '%s' is not supported", c.LLM.Provider)
	}
	return nil
}

// Validate checks the state backend settings.
func (s *StateConfig) Validate() error {
	switch strings.ToLower(s.Backend) {
	case StateBackendFile:
		if s.Path == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	case StateBackendPostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("state.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state backend '%s'", s.Backend)
	}
	return nil
}

// ErrPublishNotConfigured reports missing CMS settings.
var ErrPublishNotConfigured = errors.New("publish destination is not configured")

// Validate checks the CMS settings required to create drafts.
func (p *PublishConfig) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("%w: WP_BASE_URL is not set", ErrPublishNotConfigured)
	}
	if strings.TrimSpace(p.User) == "" || strings.TrimSpace(p.AppPassword) == "" {
		return fmt.Errorf("%w: WP_USER / WP_APP_PASSWORD are not set", ErrPublishNotConfigured)
	}
	return nil
}
