// Package config provides configuration management for ThreatPulse.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/retention"
	"github.com/lvonguyen/threatpulse/internal/scheduler"
	"github.com/lvonguyen/threatpulse/internal/severity"
	"github.com/lvonguyen/threatpulse/internal/telemetry/correlation"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREATPULSE_"

// Config holds all ThreatPulse configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Database      repository.Config       `yaml:"database"`
	Elasticsearch ingestion.ElasticConfig `yaml:"elasticsearch"`
	Sync          ingestion.SyncConfig    `yaml:"sync"`
	Correlation   CorrelationConfig       `yaml:"correlation"`
	Alerting      AlertingConfig          `yaml:"alerting"`
	Retention     retention.Config        `yaml:"retention"`
	Scheduler     scheduler.Config        `yaml:"scheduler"`
	Redis         RedisConfig             `yaml:"redis"`
	RateLimit     gateway.RateLimitConfig `yaml:"rate_limit"`
	Severity      severity.EngineConfig   `yaml:"severity"`
	Telemetry     observability.Config    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CorrelationConfig controls event to node linking.
type CorrelationConfig struct {
	correlation.CorrelatorConfig `yaml:",inline"`

	// Link events to nodes as part of every sync page.
	OnSync bool `yaml:"on_sync"`
}

// AlertingConfig holds alert materialization and publishing settings.
type AlertingConfig struct {
	alerting.Config `yaml:",inline"`

	Kafka alerting.KafkaConfig `yaml:"kafka"`
	HEC   alerting.HECConfig   `yaml:"hec"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr" validate:"required_if=Enabled true"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" validate:"gte=0"`
	PoolSize    int    `yaml:"pool_size" validate:"gte=0"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// Load reads configuration from a YAML file over the defaults, then applies
// environment overrides and validates the result. An empty path loads the
// defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // manual triggers run synchronously
			ShutdownTimeout: 30 * time.Second,
		},
		Database:      repository.DefaultConfig(),
		Elasticsearch: ingestion.DefaultElasticConfig(),
		Sync:          ingestion.DefaultSyncConfig(),
		Correlation: CorrelationConfig{
			CorrelatorConfig: correlation.DefaultCorrelatorConfig(),
			OnSync:           true,
		},
		Alerting: AlertingConfig{
			Config: alerting.DefaultConfig(),
			Kafka:  alerting.DefaultKafkaConfig(),
			HEC:    alerting.DefaultHECConfig(),
		},
		Retention: retention.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Severity:  severity.DefaultEngineConfig(),
		Telemetry: observability.DefaultConfig(),
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scheduler.DistributedLock && !c.Redis.Enabled {
		return fmt.Errorf("invalid config: scheduler.distributed_lock requires redis")
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("invalid config: rate_limit requires redis")
	}
	return nil
}

// applyEnv overrides addresses and secrets from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	if v, ok := lookup(EnvPrefix + "SERVER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sSERVER_PORT: %w", EnvPrefix, err)
		}
		c.Server.Port = port
	}

	str("DATABASE_DRIVER", &c.Database.Driver)
	if c.Database.DSNEnv != "" {
		if v, ok := lookup(c.Database.DSNEnv); ok && v != "" {
			c.Database.DSN = v
		}
	}
	str("DATABASE_DSN", &c.Database.DSN)

	list("ELASTICSEARCH_URLS", &c.Elasticsearch.URLs)
	str("ELASTICSEARCH_INDEX", &c.Elasticsearch.Index)
	str("ELASTICSEARCH_USERNAME", &c.Elasticsearch.Username)

	str("REDIS_ADDR", &c.Redis.Addr)
	if err := boolean("REDIS_ENABLED", &c.Redis.Enabled); err != nil {
		return err
	}

	list("KAFKA_BROKERS", &c.Alerting.Kafka.Brokers)
	if err := boolean("KAFKA_ENABLED", &c.Alerting.Kafka.Enabled); err != nil {
		return err
	}

	str("LOG_LEVEL", &c.Telemetry.LogLevel)
	str("ENVIRONMENT", &c.Telemetry.Environment)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnabledFeatures lists optional integrations that are switched on.
func (c *Config) EnabledFeatures() []string {
	var features []string
	if c.Redis.Enabled {
		features = append(features, "redis")
	}
	if c.Alerting.Kafka.Enabled {
		features = append(features, "kafka")
	}
	if c.Alerting.HEC.Enabled {
		features = append(features, "splunk_hec")
	}
	if c.Correlation.OnSync {
		features = append(features, "correlation_on_sync")
	}
	if c.Scheduler.DistributedLock {
		features = append(features, "distributed_lock")
	}
	if c.RateLimit.Enabled {
		features = append(features, "rate_limit")
	}
	if c.Telemetry.TracingEnabled {
		features = append(features, "tracing")
	}
	return features
}
