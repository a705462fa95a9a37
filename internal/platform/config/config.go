package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"caresync/pkg/platform/sentinel"
)

// Local storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Server captures process level configuration for the caresync daemon. The
// persisted backend configuration is separate and lives in the local store.
type Server struct {
	Addr         string        `yaml:"addr"`
	OpsToken     string        `yaml:"opsToken"`
	Local        LocalConfig   `yaml:"local"`
	Redis        RedisConfig   `yaml:"redis"`
	Remote       RemoteConfig  `yaml:"remote"`
	Connectivity ProbeConfig   `yaml:"connectivity"`
	Queue        QueueConfig   `yaml:"queue"`
	Bridge       BridgeConfig  `yaml:"bridge"`
	Log          LogConfig     `yaml:"log"`
	BackupRoot   string        `yaml:"backupRoot"`
	ShutdownWait time.Duration `yaml:"shutdownWait"`
}

// LocalConfig selects the durable local cache.
type LocalConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlitePath"`
	// QuotaBytes caps local storage; zero means unlimited.
	QuotaBytes int64 `yaml:"quotaBytes"`
}

// RedisConfig is used when the local driver is redis.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type RemoteConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ProbeConfig drives the connectivity monitor. An empty URL means the
// daemon assumes it is online until told otherwise.
type ProbeConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Interval        time.Duration `yaml:"interval"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxRetries      int           `yaml:"maxRetries"`
}

type BridgeConfig struct {
	SigningSecret string        `yaml:"signingSecret"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Server {
	return Server{
		Addr: "127.0.0.1:8484",
		Local: LocalConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/caresync.db",
			QuotaBytes: 50 << 20,
		},
		Redis: RedisConfig{
			Prefix:       "caresync:",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Remote: RemoteConfig{Timeout: 10 * time.Second},
		Connectivity: ProbeConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Queue: QueueConfig{
			Interval:        30 * time.Second,
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Minute,
		},
		Bridge:       BridgeConfig{Timeout: 15 * time.Second},
		Log:          LogConfig{Level: "info", Format: "json"},
		BackupRoot:   "backups",
		ShutdownWait: 10 * time.Second,
	}
}

// Load reads an optional YAML file and then applies CARESYNC_* environment
// variables on top. An empty path skips the file.
func Load(path string) (Server, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Server{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Server{}, fmt.Errorf("%w: parse %s: %w", sentinel.ErrInvalidConfig, path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// FromEnv builds the configuration from defaults and environment variables
// only.
func FromEnv() (Server, error) {
	return Load("")
}

func (c Server) Validate() error {
	var errs []error
	switch c.Local.Driver {
	case DriverSQLite:
		if c.Local.SQLitePath == "" {
			errs = append(errs, errors.New("local.sqlitePath is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown local driver %q", c.Local.Driver))
	}
	if c.Local.QuotaBytes < 0 {
		errs = append(errs, errors.New("local.quotaBytes must not be negative"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.maxRetries must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", sentinel.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Server, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("CARESYNC_ADDR", &cfg.Addr)
	str("CARESYNC_OPS_TOKEN", &cfg.OpsToken)
	str("CARESYNC_LOCAL_DRIVER", &cfg.Local.Driver)
	str("CARESYNC_SQLITE_PATH", &cfg.Local.SQLitePath)
	if v, ok := lookup("CARESYNC_LOCAL_QUOTA_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CARESYNC_LOCAL_QUOTA_BYTES: %w", err))
		} else {
			cfg.Local.QuotaBytes = n
		}
	}
	str("CARESYNC_REDIS_URL", &cfg.Redis.URL)
	str("CARESYNC_REDIS_PREFIX", &cfg.Redis.Prefix)
	integer("CARESYNC_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	dur("CARESYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	str("CARESYNC_PROBE_URL", &cfg.Connectivity.URL)
	dur("CARESYNC_PROBE_INTERVAL", &cfg.Connectivity.Interval)
	dur("CARESYNC_QUEUE_INTERVAL", &cfg.Queue.Interval)
	dur("CARESYNC_QUEUE_INITIAL_BACKOFF", &cfg.Queue.InitialInterval)
	dur("CARESYNC_QUEUE_MAX_BACKOFF", &cfg.Queue.MaxInterval)
	integer("CARESYNC_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	str("CARESYNC_BRIDGE_SIGNING_SECRET", &cfg.Bridge.SigningSecret)
	dur("CARESYNC_BRIDGE_TIMEOUT", &cfg.Bridge.Timeout)
	str("CARESYNC_LOG_LEVEL", &cfg.Log.Level)
	str("CARESYNC_LOG_FORMAT", &cfg.Log.Format)
	str("CARESYNC_BACKUP_ROOT", &cfg.BackupRoot)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", sentinel.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
