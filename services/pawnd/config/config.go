package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen            = ":8645"
	defaultMaxSkew           = 2 * time.Minute
	defaultNonceTTL          = 10 * time.Minute
	defaultNonceCapacity     = 4096
	defaultRequestsPerMinute = 120
	defaultBurst             = 20
	defaultIdempotencyTTL    = 24 * time.Hour
)

// Config captures the runtime settings of the pawnd HTTP service.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	CORS          CORSConfig        `yaml:"cors"`
	LogRequests   bool              `yaml:"log_requests"`
}

// AuthConfig bounds request signature freshness and replay tracking.
type AuthConfig struct {
	MaxSkew       time.Duration `yaml:"max_skew"`
	NonceTTL      time.Duration `yaml:"nonce_ttl"`
	NonceCapacity int           `yaml:"nonce_capacity"`
	// NonceStore is the leveldb directory for persisted nonces. Empty keeps
	// nonces in memory only.
	NonceStore string `yaml:"nonce_store"`
}

// RateLimitConfig applies to every caller independently.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// IdempotencyConfig selects the Idempotency-Key record store.
type IdempotencyConfig struct {
	Disabled bool          `yaml:"disabled"`
	DSN      string        `yaml:"dsn"`
	TTL      time.Duration `yaml:"ttl"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	if cfg.Auth.MaxSkew == 0 {
		cfg.Auth.MaxSkew = defaultMaxSkew
	}
	if cfg.Auth.NonceTTL == 0 {
		cfg.Auth.NonceTTL = defaultNonceTTL
	}
	if cfg.Auth.NonceCapacity == 0 {
		cfg.Auth.NonceCapacity = defaultNonceCapacity
	}
	cfg.Auth.NonceStore = strings.TrimSpace(cfg.Auth.NonceStore)
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	cfg.Idempotency.DSN = strings.TrimSpace(cfg.Idempotency.DSN)
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = defaultIdempotencyTTL
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	origins := cfg.CORS.AllowedOrigins[:0]
	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.CORS.AllowedOrigins = origins
}

func (cfg *Config) validate() error {
	if cfg.Auth.MaxSkew < 0 {
		return fmt.Errorf("auth: max_skew must be positive")
	}
	if cfg.Auth.NonceTTL < 0 {
		return fmt.Errorf("auth: nonce_ttl must be positive")
	}
	if cfg.Auth.NonceCapacity < 0 {
		return fmt.Errorf("auth: nonce_capacity must be positive")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit: requests_per_minute must be positive")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: burst must be positive")
	}
	if cfg.Idempotency.TTL < 0 {
		return fmt.Errorf("idempotency: ttl must be positive")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}
