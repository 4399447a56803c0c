package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Engine:    DefaultEngineConfig(),
		Gate:      DefaultGateConfig(),
		Profiles:  map[string]Profile{},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "validflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the default redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "validflow",
		SampleRate:   1.0,
	}
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxCriticalErrors:       3,
		DefaultValidatorTimeout: 2 * time.Minute,
	}
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		DefaultLimit:      4,
		Limits:            map[string]int64{},
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryTimeout:      2 * time.Minute,
		StatusPollRate:    20,
		StatusPollBurst:   5,
	}
}
