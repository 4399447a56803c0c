// =============================================================================
// ValidFlow configuration
// =============================================================================
// Unified configuration for the orchestration core, loaded once at workflow
// start. Priority: defaults → YAML file → environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("validflow.yaml").
//	    WithEnvPrefix("VALIDFLOW").
//	    Load()
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration of the orchestration core.
type Config struct {
	// Log logging configuration
	Log LogConfig `yaml:"log" env:"LOG"`

	// Database durable store configuration
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis checkpoint cache configuration
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Telemetry OTel configuration
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Engine workflow engine defaults
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Gate agent admission control
	Gate GateConfig `yaml:"gate" env:"GATE"`

	// Profiles maps workflow type to its validator graph.
	Profiles map[string]Profile `yaml:"profiles" env:"-"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with caller info
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// DatabaseConfig configures the durable workflow/checkpoint store.
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	User   string `yaml:"user" env:"USER"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name, or file path for sqlite
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the optional redis checkpoint store.
type RedisConfig struct {
	// Enabled switches the redis-backed checkpoint store on.
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// TelemetryConfig configures OTel tracing/metrics export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// EngineConfig holds workflow engine defaults. Profile values override these.
type EngineConfig struct {
	// MaxCriticalErrors is the critical-error budget: the workflow fails once
	// more than this many critical validator findings accumulate.
	MaxCriticalErrors int `yaml:"max_critical_errors" env:"MAX_CRITICAL_ERRORS"`
	// DefaultValidatorTimeout applies to validators without their own timeout
	// when the tier sets none either.
	DefaultValidatorTimeout time.Duration `yaml:"default_validator_timeout" env:"DEFAULT_VALIDATOR_TIMEOUT"`
}

// GateConfig configures per-agent admission control and busy-retry backoff.
type GateConfig struct {
	// DefaultLimit is the concurrency ceiling for agents without an explicit one.
	DefaultLimit int64 `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	// Limits maps agent id to its concurrency ceiling.
	Limits map[string]int64 `yaml:"limits" env:"-"`
	// Exponential backoff: delay = min(cap, base * multiplier^attempt)
	BackoffBase       time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffCap        time.Duration `yaml:"backoff_cap" env:"BACKOFF_CAP"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	Jitter            bool          `yaml:"jitter" env:"JITTER"`
	// RetryTimeout is the wall-clock deadline for a whole gated call,
	// spanning every busy-retry attempt.
	RetryTimeout time.Duration `yaml:"retry_timeout" env:"RETRY_TIMEOUT"`
	// StatusPollRate limits status queries per agent per second.
	StatusPollRate  float64 `yaml:"status_poll_rate" env:"STATUS_POLL_RATE"`
	StatusPollBurst int     `yaml:"status_poll_burst" env:"STATUS_POLL_BURST"`
}

// Profile describes one workflow type: its tiers and validator placements.
type Profile struct {
	// Description human label
	Description string `yaml:"description"`
	// MaxCriticalErrors overrides the engine default when > 0.
	MaxCriticalErrors int `yaml:"max_critical_errors"`
	// FailFast fails the workflow on the first critical finding.
	FailFast bool `yaml:"fail_fast"`
	// Tiers declares tier-level options. Tiers absent here run with defaults.
	Tiers []TierOptions `yaml:"tiers"`
	// Validators lists every validator in the profile.
	Validators []ValidatorConfig `yaml:"validators"`
}

// TierOptions sets tier-level scheduling behavior.
type TierOptions struct {
	// Tier ordinal this entry applies to.
	Tier int `yaml:"tier"`
	// Sequential runs the tier's validators one at a time, in spec order.
	Sequential bool `yaml:"sequential"`
	// Timeout is the default per-validator timeout within the tier.
	Timeout time.Duration `yaml:"timeout"`
}

// ValidatorConfig places one validator in the schedule.
type ValidatorConfig struct {
	Name string `yaml:"name"`
	// Tier ordinal; must be >= the tier of every dependency.
	Tier int `yaml:"tier"`
	// DependsOn names validators that must succeed before this one starts.
	DependsOn []string `yaml:"depends_on"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
	// Timeout for this validator's call; falls back to the tier timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Agent is the downstream agent id the gate resolves.
	Agent string `yaml:"agent"`
	// Method invoked on the agent; defaults to "validate".
	Method string `yaml:"method"`
}

// IsEnabled reports whether the validator participates in scheduling.
func (v ValidatorConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxCriticalErrors < 0 {
		errs = append(errs, "engine.max_critical_errors must be >= 0")
	}
	if c.Gate.DefaultLimit <= 0 {
		errs = append(errs, "gate.default_limit must be positive")
	}
	for id, limit := range c.Gate.Limits {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("gate.limits[%s] must be positive", id))
		}
	}
	if c.Gate.BackoffMultiplier < 1.0 {
		errs = append(errs, "gate.backoff_multiplier must be >= 1.0")
	}
	for name, profile := range c.Profiles {
		if len(profile.Validators) == 0 {
			errs = append(errs, fmt.Sprintf("profile %q has no validators", name))
		}
		seen := make(map[string]int)
		for _, v := range profile.Validators {
			if v.Name == "" {
				errs = append(errs, fmt.Sprintf("profile %q has a validator without a name", name))
				continue
			}
			seen[v.Name] = v.Tier
			if v.Agent == "" {
				errs = append(errs, fmt.Sprintf("profile %q validator %q has no agent", name, v.Name))
			}
		}
		for _, v := range profile.Validators {
			for _, dep := range v.DependsOn {
				depTier, ok := seen[dep]
				if !ok {
					errs = append(errs, fmt.Sprintf("profile %q validator %q depends on unknown %q", name, v.Name, dep))
					continue
				}
				if depTier > v.Tier {
					errs = append(errs, fmt.Sprintf("profile %q validator %q (tier %d) depends on %q in later tier %d", name, v.Name, v.Tier, dep, depTier))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
