package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "loomhub.db")

	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("hub.auth_timeout_seconds", 10)
	v.SetDefault("hub.heartbeat_interval_seconds", 30)
	v.SetDefault("hub.heartbeat_miss_threshold", 3)
	v.SetDefault("hub.cancel_grace_seconds", 2)
	v.SetDefault("hub.degraded_latency_millis", 2000.0)

	v.SetDefault("tokens.default_scope", "instance")
	v.SetDefault("tokens.validate_rate_limit_rps", 5)
	v.SetDefault("tokens.validate_rate_burst", 10)

	v.SetDefault("dispatcher.coalesce_millis", 50)
	v.SetDefault("dispatcher.reap_interval_seconds", 30)
	v.SetDefault("dispatcher.cleanup_window_hours", 24)

	v.SetDefault("worker_lock.path", "")
	v.SetDefault("worker_lock.idle_timeout_seconds", 300)
	v.SetDefault("worker_lock.max_runtime_seconds", 7200)
}

// DefaultConfig returns a Config populated with the same values SetDefaults
// registers with viper, for callers (like `loomhubd config init`) that need
// a concrete struct to serialize rather than a viper instance to read from.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "loomhub.db"},
		Server: ServerConfig{
			Port:           DefaultPort,
			AllowedOrigins: []string{"*"},
		},
		Hub: HubConfig{
			AuthTimeoutSeconds:     10,
			HeartbeatIntervalSecs:  30,
			HeartbeatMissThreshold: 3,
			CancelGraceSeconds:     2,
			DegradedLatencyMillis:  2000.0,
		},
		Tokens: TokensConfig{
			DefaultScope:         "instance",
			ValidateRateLimitRPS: 5,
			ValidateRateBurst:    10,
		},
		Dispatcher: DispatcherConfig{
			CoalesceMillis:      50,
			ReapIntervalSeconds: 30,
			CleanupWindowHours:  24,
		},
		WorkerLock: WorkerLockConfig{
			IdleTimeoutSeconds: 300,
			MaxRuntimeSeconds:  7200,
		},
	}
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "LOOMHUB_DATABASE_PATH")
	v.BindEnv("worker_lock.path", "LOOMHUB_WORKER_LOCK_PATH")
}

// GetDatabasePath returns the configured database path.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "loomhub.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS/WS origins, falling back
// to a permissive default when none are configured.
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return c.Server.AllowedOrigins
}
