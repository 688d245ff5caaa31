// Package config holds the loomhub core configuration: database location,
// hub/dispatcher tunables, worker token defaults, federation peers, and the
// filesystem worker lock. Loaded via viper with TOML as the file format.
package config

// Config is the top-level loomhub configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Hub        HubConfig        `mapstructure:"hub"`
	Tokens     TokensConfig     `mapstructure:"tokens"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Federation FederationConfig `mapstructure:"federation"`
	WorkerLock WorkerLockConfig `mapstructure:"worker_lock"`
}

// DatabaseConfig configures the SQLite persistent store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the hook ingress / hub listener.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default listener port; easy to type, above the privileged range.
const DefaultPort = 8770

// HubConfig configures the Worker Hub's WebSocket control plane.
type HubConfig struct {
	AuthTimeoutSeconds      int     `mapstructure:"auth_timeout_seconds"`
	HeartbeatIntervalSecs   int     `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatMissThreshold  int     `mapstructure:"heartbeat_miss_threshold"`
	CancelGraceSeconds      int     `mapstructure:"cancel_grace_seconds"`
	DegradedLatencyMillis   float64 `mapstructure:"degraded_latency_millis"`
}

// TokensConfig configures the Worker Token Service.
type TokensConfig struct {
	DefaultScope          string `mapstructure:"default_scope"`
	ValidateRateLimitRPS  int    `mapstructure:"validate_rate_limit_rps"`
	ValidateRateBurst     int    `mapstructure:"validate_rate_burst"`
}

// DispatcherConfig configures the Dispatcher Loop and the stale-task reaper.
type DispatcherConfig struct {
	CoalesceMillis       int `mapstructure:"coalesce_millis"`
	ReapIntervalSeconds  int `mapstructure:"reap_interval_seconds"`
	CleanupWindowHours   int `mapstructure:"cleanup_window_hours"`
}

// FederationConfig lists statically-known external hubs; more may be
// registered at runtime through the Hub Registry.
type FederationConfig struct {
	ExternalHubs []ExternalHubConfig `mapstructure:"external_hubs"`
}

// ExternalHubConfig describes one externally-registered hub.
type ExternalHubConfig struct {
	ID       string   `mapstructure:"id"`
	Name     string   `mapstructure:"name"`
	Endpoint string   `mapstructure:"endpoint"`
	Priority int      `mapstructure:"priority"`
	Weight   int      `mapstructure:"weight"`
	Region   string   `mapstructure:"region"`
	Labels   []string `mapstructure:"labels"`
}

// WorkerLockConfig configures the in-process Worker Lifecycle Mutex.
type WorkerLockConfig struct {
	Path               string `mapstructure:"path"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
	MaxRuntimeSeconds  int    `mapstructure:"max_runtime_seconds"`
}
