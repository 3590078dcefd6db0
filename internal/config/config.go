package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server            ServerConfig            `mapstructure:"server"`
	Extractor         ExtractorConfig         `mapstructure:"extractor"`
	Engine            EngineConfig            `mapstructure:"engine"`
	Cache             CacheConfig             `mapstructure:"cache"`
	Concurrency       ConcurrencyConfig       `mapstructure:"concurrency"`
	Logging           LoggingConfig           `mapstructure:"logging"`
	Tracing           TracingConfig           `mapstructure:"tracing"`
	NATS              NATSConfig              `mapstructure:"nats"`
	ExtractionService ExtractionServiceConfig `mapstructure:"extraction_service"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb"`
	APIKey          string        `mapstructure:"api_key"`
}

// ExtractorConfig describes the remote extraction service
type ExtractorConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	BodyEncoding string        `mapstructure:"body_encoding"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	// SamplePDF is the file sent by the status probe
	SamplePDF string `mapstructure:"sample_pdf"`
}

// EngineConfig contains split and dispatch settings
type EngineConfig struct {
	Window       int `mapstructure:"window"`
	Limit        int `mapstructure:"limit"`
	SplitWorkers int `mapstructure:"split_workers"`
}

// CacheConfig contains result cache configuration
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Shards     int           `mapstructure:"shards"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// ConcurrencyConfig contains request-level concurrency settings
type ConcurrencyConfig struct {
	HTTPMaxRequests int `mapstructure:"http_max_requests"`
	MaxBatches      int `mapstructure:"max_batches"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// TracingConfig contains OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
}

// NATSConfig contains completion event settings. Publishing is off when URL is empty.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ExtractionServiceConfig configures the reference extraction service
type ExtractionServiceConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Stage       string `mapstructure:"stage"`
	APIKey      string `mapstructure:"api_key"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
}

// Load reads configuration from defaults, an optional YAML file and APP_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_mb", 256)
	v.SetDefault("server.api_key", "")

	v.SetDefault("extractor.url", "")
	v.SetDefault("extractor.api_key", "")
	v.SetDefault("extractor.api_key_header", "x-api-key")
	v.SetDefault("extractor.body_encoding", "object")
	v.SetDefault("extractor.dial_timeout", "10s")
	v.SetDefault("extractor.call_timeout", "5m")
	v.SetDefault("extractor.sample_pdf", "")

	v.SetDefault("engine.window", 10)
	v.SetDefault("engine.limit", 500)
	v.SetDefault("engine.split_workers", 4)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.max_entries", 1000)

	v.SetDefault("concurrency.http_max_requests", 100)
	v.SetDefault("concurrency.max_batches", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "ml-pdf-splitter")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "pdfsplit")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("extraction_service.host", "0.0.0.0")
	v.SetDefault("extraction_service.port", 8090)
	v.SetDefault("extraction_service.stage", "test")
	v.SetDefault("extraction_service.api_key", "")
	v.SetDefault("extraction_service.max_upload_mb", 64)
}

// bindEnvVars binds the environment names the extraction client historically used
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string][]string{
		"extractor.url":     {"APP_EXTRACTOR_URL", "PDF2TXT_LAMBDA_URL"},
		"extractor.api_key": {"APP_EXTRACTOR_API_KEY", "PDF2TEXT_API_KEY"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be at least 1")
	}

	switch cfg.Extractor.BodyEncoding {
	case "object", "string":
	default:
		return fmt.Errorf("extractor.body_encoding must be object or string")
	}
	if cfg.Extractor.CallTimeout <= 0 {
		return fmt.Errorf("extractor.call_timeout must be positive")
	}

	if cfg.Engine.Window < 1 {
		return fmt.Errorf("engine.window must be at least 1")
	}
	if cfg.Engine.Limit < 1 {
		return fmt.Errorf("engine.limit must be at least 1")
	}
	if cfg.Engine.SplitWorkers < 1 {
		return fmt.Errorf("engine.split_workers must be at least 1")
	}

	if cfg.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1")
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}

	if cfg.Concurrency.HTTPMaxRequests < 1 {
		return fmt.Errorf("concurrency.http_max_requests must be at least 1")
	}
	if cfg.Concurrency.MaxBatches < 1 {
		return fmt.Errorf("concurrency.max_batches must be at least 1")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	if cfg.ExtractionService.Port < 1 || cfg.ExtractionService.Port > 65535 {
		return fmt.Errorf("extraction_service.port must be between 1 and 65535")
	}

	return nil
}

// Validate checks the settings the extraction client cannot run without
func (c ExtractorConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("extractor.url is required (APP_EXTRACTOR_URL or PDF2TXT_LAMBDA_URL)")
	}
	return nil
}
