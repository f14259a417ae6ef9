package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/jonesrussell/site-cache/internal/logger"
)

// Storage and queue drivers.
const (
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

const (
	defaultServiceName    = "site-cache"
	defaultServiceVersion = "0.1.0"
	defaultServicePort    = 8095
	defaultManifestPath   = "manifest.yml"
	defaultStorageDir     = "/var/lib/site-cache"
	defaultKeyPrefix      = "site-cache"
	defaultRedisAddress   = "localhost:6379"
	defaultDBHost         = "localhost"
	defaultDBPort         = 5432
	defaultDBUser         = "postgres"
	defaultDBName         = "site_cache"
	defaultDBSSLMode      = "disable"
	defaultSyncSchedule   = "@every 30s"
	defaultReplayRate     = 5.0
	defaultReplayBurst    = 1
)

// Config is the site-cache configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Origin   OriginConfig   `yaml:"origin"`
	Manifest ManifestConfig `yaml:"manifest"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Sync     SyncConfig     `yaml:"sync"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  logger.Config  `yaml:"logging"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `env:"SITE_CACHE_PORT" yaml:"port"`
	Debug   bool   `env:"APP_DEBUG"       yaml:"debug"`
}

// OriginConfig points at the site being cached.
type OriginConfig struct {
	URL string `env:"SITE_CACHE_ORIGIN" yaml:"url"`
	// Timeout bounds each network fetch. Zero leaves fetches unbounded.
	Timeout time.Duration `env:"SITE_CACHE_ORIGIN_TIMEOUT" yaml:"timeout"`
}

// ManifestConfig locates the precache manifest.
type ManifestConfig struct {
	Path string `env:"SITE_CACHE_MANIFEST" yaml:"path"`
	// Watch reinstalls whenever the manifest file changes.
	Watch bool `yaml:"watch"`
	// DiscoverAssets adds the offline page's same-origin assets to the manifest.
	DiscoverAssets bool `yaml:"discover_assets"`
}

// StorageConfig selects the cache storage backend.
type StorageConfig struct {
	Driver    string `env:"SITE_CACHE_STORAGE" yaml:"driver"`
	Dir       string `env:"SITE_CACHE_DIR"     yaml:"dir"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueConfig selects the submission queue backend.
type QueueConfig struct {
	Driver string `env:"SITE_CACHE_QUEUE" yaml:"driver"`
}

// SyncConfig configures background sync.
type SyncConfig struct {
	Schedule    string   `env:"SITE_CACHE_SYNC_SCHEDULE" yaml:"schedule"`
	FormPaths   []string `env:"SITE_CACHE_FORM_PATHS"    yaml:"form_paths"`
	ReplayRate  float64  `yaml:"replay_rate"`
	ReplayBurst int      `yaml:"replay_burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// DatabaseConfig holds PostgreSQL settings for the queue.
type DatabaseConfig struct {
	Host     string `env:"POSTGRES_SITE_CACHE_HOST"     yaml:"host"`
	Port     int    `env:"POSTGRES_SITE_CACHE_PORT"     yaml:"port"`
	User     string `env:"POSTGRES_SITE_CACHE_USER"     yaml:"user"`
	Password string `env:"POSTGRES_SITE_CACHE_PASSWORD" yaml:"password"`
	Database string `env:"POSTGRES_SITE_CACHE_DB"       yaml:"database"`
	SSLMode  string `env:"POSTGRES_SITE_CACHE_SSLMODE"  yaml:"sslmode"`
}

// DSN returns the lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// MigrateURL returns the URL form golang-migrate expects.
func (d *DatabaseConfig) MigrateURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// AuthConfig protects the admin API. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// Load reads the config at path. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	return LoadFile[Config](path, true, setDefaults)
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setStorageDefaults(&cfg.Storage)
	setSyncDefaults(&cfg.Sync)
	setDatabaseDefaults(&cfg.Database)

	if cfg.Manifest.Path == "" {
		cfg.Manifest.Path = defaultManifestPath
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = DriverMemory
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	cfg.Logging.SetDefaults()
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultServiceVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
}

func setStorageDefaults(s *StorageConfig) {
	if s.Driver == "" {
		s.Driver = DriverFile
	}
	if s.Dir == "" {
		s.Dir = defaultStorageDir
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = defaultKeyPrefix
	}
}

func setSyncDefaults(s *SyncConfig) {
	if s.Schedule == "" {
		s.Schedule = defaultSyncSchedule
	}
	if s.ReplayRate == 0 {
		s.ReplayRate = defaultReplayRate
	}
	if s.ReplayBurst == 0 {
		s.ReplayBurst = defaultReplayBurst
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Database == "" {
		db.Database = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if err := validatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := validateRequired("origin.url", c.Origin.URL); err != nil {
		return err
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "origin.url", Message: "must be an absolute URL"}
	}
	if c.Origin.Timeout < 0 {
		return &ValidationError{Field: "origin.timeout", Message: "must not be negative"}
	}
	if err := validateOneOf("storage.driver", c.Storage.Driver,
		DriverFile, DriverRedis, DriverMemory); err != nil {
		return err
	}
	if err := validateOneOf("queue.driver", c.Queue.Driver,
		DriverPostgres, DriverRedis, DriverMemory); err != nil {
		return err
	}
	if c.Sync.ReplayRate < 0 {
		return &ValidationError{Field: "sync.replay_rate", Message: "must not be negative"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: "must be one of debug, info, warn, error"}
	}
	return nil
}
