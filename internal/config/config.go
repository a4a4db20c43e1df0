package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("profilekind", validateProfileKind)
	_ = v.RegisterValidation("storagebackend", validateStorageBackendTag)
	_ = v.RegisterValidation("lockbackend", validateLockBackendTag)
	return v
}

func validateProfileKind(fl validator.FieldLevel) bool {
	p := DeploymentProfile(fl.Field().String())
	return p == ProfileLite || p == ProfileStandard
}

func validateStorageBackendTag(fl validator.FieldLevel) bool {
	b := StorageBackend(fl.Field().String())
	return b == StorageBackendSQLite || b == StorageBackendPostgres
}

func validateLockBackendTag(fl validator.FieldLevel) bool {
	b := LockBackend(fl.Field().String())
	switch b {
	case LockBackendFile, LockBackendAdvisory, LockBackendRedis:
		return true
	default:
		return false
	}
}

// Config represents the application configuration.
type Config struct {
	// Profile selects the deployment profile: "lite" (embedded, single
	// process) or "standard" (Postgres-backed, shared across processes).
	Profile DeploymentProfile `mapstructure:"profile" validate:"profilekind"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Lock     LockConfig     `mapstructure:"lock"`
	App      AppConfig      `mapstructure:"app"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DeploymentProfile represents the deployment profile type.
type DeploymentProfile string

const (
	// ProfileLite is single-process deployment: SQLite persistence, OS
	// file locks. No external dependencies.
	ProfileLite DeploymentProfile = "lite"

	// ProfileStandard is multi-process deployment: PostgreSQL persistence,
	// either native advisory locks or a separate Redis lock service.
	ProfileStandard DeploymentProfile = "standard"
)

// StorageBackend represents the persistence adapter implementation.
type StorageBackend string

const (
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendPostgres StorageBackend = "postgres"
)

// LockBackend represents the lock-adapter implementation for the three
// lock kinds (global/transaction/object).
type LockBackend string

const (
	// LockBackendFile uses OS advisory file locks (Lite profile only).
	LockBackendFile LockBackend = "file"
	// LockBackendAdvisory uses PostgreSQL session-level advisory locks.
	LockBackendAdvisory LockBackend = "advisory"
	// LockBackendRedis uses a separate Redis distributed lock service.
	LockBackendRedis LockBackend = "redis"
)

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend        StorageBackend `mapstructure:"backend" validate:"storagebackend"`
	FilesystemPath string         `mapstructure:"filesystem_path"`
	LockBackend    LockBackend    `mapstructure:"lock_backend" validate:"lockbackend"`
}

// DatabaseConfig holds PostgreSQL connection configuration (Standard profile).
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

// RedisConfig holds Redis connection configuration, used only when
// Storage.LockBackend is "redis".
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
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

// CacheConfig holds the proxy cache's (internal/txengine/proxycache) tuning.
type CacheConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	EnableMetrics   bool          `mapstructure:"enable_metrics"`
}

// LockConfig holds distributed lock tuning, used by the Redis lock provider.
type LockConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ValuePrefix    string        `mapstructure:"value_prefix"`
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	Environment   string        `mapstructure:"environment"`
	Debug         bool          `mapstructure:"debug"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`

	// InstantReadIntegrityFail gates step 2 of verify_attribute_integrity!:
	// when true, every read is checked against the live object immediately
	// rather than only at commit time.
	InstantReadIntegrityFail bool `mapstructure:"instant_read_integrity_fail"`
}

// MetricsConfig holds metrics-related configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
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
	viper.SetDefault("profile", "lite")
	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.filesystem_path", "/data/txproxy.db")
	viper.SetDefault("storage.lock_backend", "file")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "txproxy")
	viper.SetDefault("database.username", "txproxy")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "5m")
	viper.SetDefault("database.connect_timeout", "30s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("cache.max_entries", 10000)
	viper.SetDefault("cache.cleanup_interval", "10m")
	viper.SetDefault("cache.enable_metrics", true)

	viper.SetDefault("lock.ttl", "30s")
	viper.SetDefault("lock.max_retries", 3)
	viper.SetDefault("lock.retry_interval", "100ms")
	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.release_timeout", "2s")
	viper.SetDefault("lock.value_prefix", "txproxy")

	viper.SetDefault("app.name", "txproxy")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.max_workers", 10)
	viper.SetDefault("app.worker_timeout", "5m")
	viper.SetDefault("app.instant_read_integrity_fail", false)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateStruct(); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}

	if err := c.validateProfile(); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}

	if c.Profile == ProfileStandard {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty (required for standard profile)")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name cannot be empty (required for standard profile)")
		}
	}

	if c.Storage.LockBackend == LockBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when storage.lock_backend='redis'")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

// validateStruct runs the go-playground/validator struct-tag pass (the enum
// fields tagged above); the cross-field/profile-coupling rules in
// validateProfile and Validate still apply on top of it.
func (c *Config) validateStruct() error {
	if err := structValidator.Struct(c); err != nil {
		if validationErrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(validationErrs))
			for _, e := range validationErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", e.StructNamespace(), e.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// validateProfile validates deployment profile configuration.
func (c *Config) validateProfile() error {
	if c.Profile != ProfileLite && c.Profile != ProfileStandard {
		return fmt.Errorf("invalid deployment profile: %s (must be 'lite' or 'standard')", c.Profile)
	}

	if c.Storage.Backend != StorageBackendSQLite && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("invalid storage backend: %s (must be 'sqlite' or 'postgres')", c.Storage.Backend)
	}

	switch c.Storage.LockBackend {
	case LockBackendFile, LockBackendAdvisory, LockBackendRedis:
	default:
		return fmt.Errorf("invalid lock backend: %s (must be 'file', 'advisory' or 'redis')", c.Storage.LockBackend)
	}

	switch c.Profile {
	case ProfileLite:
		if c.Storage.Backend != StorageBackendSQLite {
			return fmt.Errorf("lite profile requires storage.backend='sqlite' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.FilesystemPath == "" {
			return fmt.Errorf("lite profile requires storage.filesystem_path (e.g., /data/txproxy.db)")
		}
		if c.Storage.LockBackend == LockBackendAdvisory {
			return fmt.Errorf("lite profile cannot use lock_backend='advisory' (no PostgreSQL connection)")
		}

	case ProfileStandard:
		if c.Storage.Backend != StorageBackendPostgres {
			return fmt.Errorf("standard profile requires storage.backend='postgres' (got '%s')", c.Storage.Backend)
		}
		if c.Storage.LockBackend == LockBackendFile {
			return fmt.Errorf("standard profile cannot use lock_backend='file' (not shared across processes)")
		}
	}

	return nil
}

// GetDatabaseURL constructs the database URL from configuration.
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

// IsLiteProfile returns true if running in the Lite deployment profile.
func (c *Config) IsLiteProfile() bool {
	return c.Profile == ProfileLite
}

// IsStandardProfile returns true if running in the Standard deployment profile.
func (c *Config) IsStandardProfile() bool {
	return c.Profile == ProfileStandard
}

// UsesSQLiteStorage returns true if using the SQLite persistence adapter.
func (c *Config) UsesSQLiteStorage() bool {
	return c.Storage.Backend == StorageBackendSQLite
}

// UsesPostgresStorage returns true if using the PostgreSQL persistence adapter.
func (c *Config) UsesPostgresStorage() bool {
	return c.Storage.Backend == StorageBackendPostgres
}

// GetProfileName returns a human-readable profile name.
func (c *Config) GetProfileName() string {
	switch c.Profile {
	case ProfileLite:
		return "Lite (SQLite + file locks)"
	case ProfileStandard:
		return "Standard (PostgreSQL, advisory or Redis locks)"
	default:
		return string(c.Profile)
	}
}
