// Package config holds the service configuration: a YAML file layered over
// Defaults, with STAGETRACK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings. An empty
// StaticPolicyFile selects the built-in Owner/Worker policy.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes transition engine settings.
type WorkflowConfig struct {
	Store         WorkflowStoreConfig `yaml:"store"`
	ItemTimeout   time.Duration       `yaml:"item_timeout"`
	GraphCacheTTL time.Duration       `yaml:"graph_cache_ttl"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventsConfig describes the item-moved event publisher.
type EventsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker in front of the broker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// AuditConfig describes the scheduled ledger audit sweep.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":      "sub",
				"organization_id": "organization_id",
				"email":           "email",
				"roles":           "roles",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			ItemTimeout:   10 * time.Second,
			GraphCacheTTL: 30 * time.Second,
			Store: WorkflowStoreConfig{
				Driver:          "postgres",
				DSNEnv:          "STAGETRACK_DATABASE_URL",
				SQLitePath:      "stagetrack.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "STAGETRACK_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Events: EventsConfig{
			Topic:        "stagetrack.item-moved",
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Audit: AuditConfig{
			Schedule: "*/15 * * * *",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads the YAML file at path over Defaults, then applies STAGETRACK_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

var signingAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port %d is out of range", c.Server.Port)

	id := c.Identity
	check(id.Issuer != "", "identity.issuer is required")
	check(id.Audience != "", "identity.audience is required")
	check(id.JWKSURL != "", "identity.jwks_url is required")
	check(len(id.Algorithms) > 0, "identity.algorithms must name at least one algorithm")
	for _, alg := range id.Algorithms {
		check(slices.Contains(signingAlgorithms, alg), "identity.algorithms: %q is not an asymmetric JWS algorithm", alg)
	}

	store := c.Workflow.Store
	check(slices.Contains([]string{"memory", "postgres", "sqlite"}, store.Driver),
		"workflow.store.driver %q is not one of memory, postgres, sqlite", store.Driver)
	check(store.Driver != "sqlite" || store.SQLitePath != "", "workflow.store.sqlite_path is required for the sqlite driver")
	check(c.Workflow.ItemTimeout > 0, "workflow.item_timeout must be positive")

	if c.Idempotency.Enabled {
		check(slices.Contains([]string{"memory", "redis"}, c.Idempotency.Store.Driver),
			"idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver)
	}

	if c.Events.Enabled {
		check(len(c.Events.Brokers) > 0, "events.brokers is required when events are enabled")
		check(c.Events.Topic != "", "events.topic is required when events are enabled")
	}

	if c.Audit.Enabled {
		if _, err := cron.ParseStandard(c.Audit.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("audit.schedule %q: %w", c.Audit.Schedule, err))
		}
	}

	rate := c.Observability.Tracing.SamplingRate
	check(rate >= 0 && rate <= 1, "observability.tracing.sampling_rate %v is outside [0, 1]", rate)

	return errors.Join(errs...)
}

// envOverrides maps STAGETRACK_* variables onto config fields.
var envOverrides = map[string]func(*Config, string) error{
	"STAGETRACK_SERVER_PORT": func(c *Config, v string) (err error) {
		c.Server.Port, err = strconv.Atoi(v)
		return err
	},
	"STAGETRACK_IDENTITY_ISSUER":         func(c *Config, v string) error { c.Identity.Issuer = v; return nil },
	"STAGETRACK_IDENTITY_AUDIENCE":       func(c *Config, v string) error { c.Identity.Audience = v; return nil },
	"STAGETRACK_IDENTITY_JWKS_URL":       func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil },
	"STAGETRACK_OBSERVABILITY_LOG_LEVEL": func(c *Config, v string) error { c.Observability.LogLevel = v; return nil },
	"STAGETRACK_WORKFLOW_STORE_DRIVER":   func(c *Config, v string) error { c.Workflow.Store.Driver = v; return nil },
	"STAGETRACK_EVENTS_BROKERS": func(c *Config, v string) error {
		c.Events.Brokers = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
		return nil
	},
	"STAGETRACK_AUDIT_ENABLED": func(c *Config, v string) (err error) {
		c.Audit.Enabled, err = strconv.ParseBool(v)
		return err
	},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(envOverrides)) {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := envOverrides[name](cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", name, v, err))
		}
	}
	return errors.Join(errs...)
}
