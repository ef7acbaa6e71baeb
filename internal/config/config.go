// Package config loads and validates the sync engine's configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	// Profile selects the CVR storage backend: "sqlite" (embedded,
	// single-node) or "postgres" (external, HA-ready).
	Profile DeploymentProfile `mapstructure:"profile"`

	Replica   ReplicaConfig   `mapstructure:"replica"`
	CVRStore  CVRStoreConfig  `mapstructure:"cvr_store"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Transform TransformConfig `mapstructure:"transform"`
	AdminAuth AdminAuthConfig `mapstructure:"admin_auth"`
	Log       LogConfig       `mapstructure:"log"`
	App       AppConfig       `mapstructure:"app"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DeploymentProfile selects the CVR store backend.
type DeploymentProfile string

const (
	// ProfileSQLite is single-node deployment with an embedded SQLite CVR
	// store. No external dependencies required.
	ProfileSQLite DeploymentProfile = "sqlite"

	// ProfilePostgres is HA-ready deployment with a Postgres-backed CVR
	// store, allowing multiple instances to share ownership via GroupLock.
	ProfilePostgres DeploymentProfile = "postgres"
)

// ReplicaConfig locates the read-only replicated SQLite file the
// Snapshotter opens, per §4.1.
type ReplicaConfig struct {
	Path            string        `mapstructure:"path"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// CVRStoreConfig holds CVR store backend configuration.
type CVRStoreConfig struct {
	// SQLitePath is used when Profile is "sqlite".
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	ConnRateLimitPerSec     float64       `mapstructure:"conn_rate_limit_per_sec"`
	ConnRateLimitBurst      int           `mapstructure:"conn_rate_limit_burst"`
}

// DatabaseConfig holds Postgres connection configuration, used only when
// Profile is "postgres".
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URL             string        `mapstructure:"url"`
}

// RedisConfig holds Redis configuration, backing the admin-auth set and
// the per-client-group GroupLock when Profile is "postgres". Optional for
// "sqlite" single-node deployments.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	LockExtendEvery time.Duration `mapstructure:"lock_extend_every"`
}

// TransformConfig configures custom-query resolution against a
// user-supplied transform endpoint, per spec §4.3.
type TransformConfig struct {
	UserQueryURL string        `mapstructure:"user_query_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// AdminAuthConfig configures the Inspector's authenticate op, per §4.6.
type AdminAuthConfig struct {
	Password string `mapstructure:"password"`
	DevMode  bool   `mapstructure:"dev_mode"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig holds application-wide configuration.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("profile", "sqlite")

	viper.SetDefault("replica.path", "/data/replica.db")
	viper.SetDefault("replica.poll_interval", "250ms")

	viper.SetDefault("cvr_store.sqlite_path", "/data/cvr.db")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")
	viper.SetDefault("server.conn_rate_limit_per_sec", 5.0)
	viper.SetDefault("server.conn_rate_limit_burst", 20)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "syncengine")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.lock_ttl", "30s")
	viper.SetDefault("redis.lock_extend_every", "10s")

	viper.SetDefault("transform.user_query_url", "")
	viper.SetDefault("transform.timeout", "5s")

	viper.SetDefault("admin_auth.password", "")
	viper.SetDefault("admin_auth.dev_mode", false)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("app.name", "syncengine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "syncengine")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if c.Replica.Path == "" {
		return fmt.Errorf("replica.path cannot be empty")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

func (c *Config) validateProfile() error {
	if c.Profile != ProfileSQLite && c.Profile != ProfilePostgres {
		return fmt.Errorf("invalid deployment profile: %s (must be 'sqlite' or 'postgres')", c.Profile)
	}

	switch c.Profile {
	case ProfileSQLite:
		if c.CVRStore.SQLitePath == "" {
			return fmt.Errorf("sqlite profile requires cvr_store.sqlite_path")
		}
	case ProfilePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("postgres profile requires database.host")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("postgres profile requires database.database")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("postgres profile requires redis.addr for cross-process client-group locking")
		}
	}

	return nil
}

// GetDatabaseURL constructs the Postgres connection URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool {
	return c.App.Debug || c.IsDevelopment()
}

// UsesPostgres returns true if the Postgres-backed CVR store and
// cross-process locking are in effect.
func (c *Config) UsesPostgres() bool {
	return c.Profile == ProfilePostgres
}
