// Package config handles application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. The flat retrieval keys are the
// recognized options of the gateway core; Server, Redis, and OTEL cover the
// serving surface around it.
type Config struct {
	// Core options.
	StoreURL           string `mapstructure:"store_url"`
	PolicyEngineURL    string `mapstructure:"policy_engine_url"`
	TokenSigningKey    string `mapstructure:"token_signing_key"`
	Tenant             string `mapstructure:"tenant"`
	DefaultTopK        int    `mapstructure:"default_top_k"`
	DefaultMinEvidence int    `mapstructure:"default_min_evidence"`
	PolicyTimeoutMs    int    `mapstructure:"policy_timeout_ms"`
	RequestDeadlineMs  int    `mapstructure:"request_deadline_ms"`
	StepUpTTLS         int    `mapstructure:"step_up_ttl_s"`
	EmbeddingDim       int    `mapstructure:"embedding_dim"`

	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	OTEL   OTELConfig   `mapstructure:"otel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	MaxInFlight     int      `mapstructure:"max_in_flight"`
	TokenTTL        int      `mapstructure:"token_ttl_s"`
}

// RedisConfig holds the optional session cache configuration. When Addr is
// empty the in-memory session store is used.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	Insecure       bool    `mapstructure:"insecure"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/governed-rag")
		v.AddConfigPath("$HOME/.governed-rag")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found - continue with defaults and env vars
		}
	}

	v.SetEnvPrefix("GOVRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	if c.TokenSigningKey == "" {
		return fmt.Errorf("token_signing_key is required")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > 50 {
		return fmt.Errorf("default_top_k must be in [1, 50], got %d", c.DefaultTopK)
	}
	if c.DefaultMinEvidence < 0 {
		return fmt.Errorf("default_min_evidence must be >= 0, got %d", c.DefaultMinEvidence)
	}
	return nil
}

// PolicyTimeout returns the per-evaluation policy timeout.
func (c *Config) PolicyTimeout() time.Duration {
	return time.Duration(c.PolicyTimeoutMs) * time.Millisecond
}

// RequestDeadline returns the total per-request deadline.
func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMs) * time.Millisecond
}

// StepUpTTL returns the step-up session lifetime.
func (c *Config) StepUpTTL() time.Duration {
	return time.Duration(c.StepUpTTLS) * time.Second
}

func setDefaults(v *viper.Viper) {
	// Core defaults
	v.SetDefault("store_url", "")
	v.SetDefault("policy_engine_url", "")
	v.SetDefault("token_signing_key", "")
	v.SetDefault("tenant", "default")
	v.SetDefault("default_top_k", 10)
	v.SetDefault("default_min_evidence", 2)
	v.SetDefault("policy_timeout_ms", 5000)
	v.SetDefault("request_deadline_ms", 15000)
	v.SetDefault("step_up_ttl_s", 300)
	v.SetDefault("embedding_dim", 768)

	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_in_flight", 64)
	v.SetDefault("server.token_ttl_s", 3600)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// OTEL defaults
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.service_name", "governed-rag")
	v.SetDefault("otel.sampling_rate", 1.0)
}
