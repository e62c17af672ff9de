// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notification  NotificationConfig  `yaml:"notification"`
	Events        EventsConfig        `yaml:"events"`
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

// IdentityConfig describes bearer token verification. Tokens are signed
// with a shared HMAC secret read from the environment variable SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// TemplatesConfig describes where workflow template YAML files live.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
	// FailOnError aborts start-up when a template file does not load.
	FailOnError bool `yaml:"fail_on_error"`
}

// CapabilityConfig describes authorization settings: the platform
// capability policy and the source of per-subject authorization snapshots.
type CapabilityConfig struct {
	StaticPolicyFile string          `yaml:"static_policy_file"`
	Cache            CacheConfig     `yaml:"cache"`
	Snapshots        SnapshotsConfig `yaml:"snapshots"`
}

// SnapshotsConfig selects the authorization snapshot provider.
type SnapshotsConfig struct {
	Source string      `yaml:"source"`
	File   string      `yaml:"file"`
	Cache  CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store                  WorkflowStoreConfig `yaml:"store"`
	LenientBranchDecisions bool                `yaml:"lenient_branch_decisions"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// IdempotencyConfig describes the event de-duplication store.
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

// NotificationConfig describes notification delivery.
type NotificationConfig struct {
	Sink    string      `yaml:"sink"`
	Channel string      `yaml:"channel"`
	Relay   RelayConfig `yaml:"relay"`
}

// RelayConfig describes the HTTP email relay.
type RelayConfig struct {
	URL            string               `yaml:"url"`
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// EventsConfig describes the NATS event bus.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
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
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "MATTERFLOW_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"actor_type": "actor_type",
			},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
			Snapshots: SnapshotsConfig{
				Source: "static",
				Cache: CacheConfig{
					TTL:        30 * time.Second,
					MaxEntries: 10000,
				},
			},
		},
		Workflow: WorkflowConfig{
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				DSNEnv:          "MATTERFLOW_DATABASE_URL",
				MaxConns:        25,
				MinConns:        2,
				ConnMaxLifetime: 5 * time.Minute,
				Migrate:         true,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "MATTERFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notification: NotificationConfig{
			Sink:    "log",
			Channel: "email",
			Relay: RelayConfig{
				Timeout: 5 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					HalfOpenRequests: 1,
					Timeout:          30 * time.Second,
				},
			},
		},
		Events: EventsConfig{
			SubjectPrefix: "matterflow",
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

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid. Every
// problem found is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, errors.New("identity.issuer is required"))
	}
	if c.Identity.Audience == "" {
		errs = append(errs, errors.New("identity.audience is required"))
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, errors.New("identity.secret_env is required"))
	}

	switch c.Capability.Snapshots.Source {
	case "static":
		if c.Capability.Snapshots.File == "" {
			errs = append(errs, errors.New("capability.snapshots.file is required for the static source"))
		}
	case "postgres":
		if c.Workflow.Store.Driver != "postgres" {
			errs = append(errs, errors.New("capability.snapshots.source postgres needs workflow.store.driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("capability.snapshots.source %q is not one of static, postgres", c.Capability.Snapshots.Source))
	}

	switch c.Workflow.Store.Driver {
	case "memory":
	case "postgres":
		if c.Workflow.Store.DSNEnv == "" {
			errs = append(errs, errors.New("workflow.store.dsn_env is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("workflow.store.driver %q is not one of memory, postgres", c.Workflow.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Errorf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
		}
	}

	switch c.Notification.Sink {
	case "log":
	case "relay":
		if c.Notification.Relay.URL == "" {
			errs = append(errs, errors.New("notification.relay.url is required for the relay sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("notification.sink %q is not one of log, relay", c.Notification.Sink))
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides reads MATTERFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MATTERFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MATTERFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("MATTERFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("MATTERFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MATTERFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("MATTERFLOW_NOTIFICATION_RELAY_URL"); v != "" {
		cfg.Notification.Relay.URL = v
	}
	if v := os.Getenv("MATTERFLOW_EVENTS_URL"); v != "" {
		cfg.Events.URL = v
	}
}
