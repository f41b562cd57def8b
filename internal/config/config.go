// Package config loads todosync settings from a config file, TODOSYNC_*
// environment variables and command-line flags, in increasing order of
// precedence.
//
// The file is $TODOSYNC_HOME/config.yaml, or ~/.todosync/config.yaml when
// TODOSYNC_HOME is unset. A missing file is not an error; the defaults apply.
//
// Example config.yaml:
//
//	store: sqlite
//	remote_url: https://todos.example.com
//	mode: hybrid
//	sync_interval: 5m
//	conflict_resolution: manual
//	backup:
//	  minio:
//	    endpoint: localhost:9000
//	    bucket: todosync-backups
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/todosync/internal/backup"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/schema"
)

// EnvPrefix is the prefix of environment overrides, e.g. TODOSYNC_REMOTE_URL.
const EnvPrefix = "TODOSYNC"

// Settings is the resolved configuration.
type Settings struct {
	DataDir  string  `mapstructure:"data_dir"`
	Store    kv.Kind `mapstructure:"store"`
	RedisURL string  `mapstructure:"redis_url"`

	RemoteURL string `mapstructure:"remote_url"`
	AuthToken string `mapstructure:"auth_token"`

	Mode               schema.Mode           `mapstructure:"mode"`
	AutoSync           bool                  `mapstructure:"auto_sync"`
	SyncInterval       time.Duration         `mapstructure:"sync_interval"`
	ProbeInterval      time.Duration         `mapstructure:"probe_interval"`
	FailureThreshold   int                   `mapstructure:"failure_threshold"`
	MaxRetries         int                   `mapstructure:"max_retries"`
	BatchConcurrency   int                   `mapstructure:"batch_concurrency"`
	RequestTimeout     time.Duration         `mapstructure:"request_timeout"`
	RetryAttempts      int                   `mapstructure:"retry_attempts"`
	RetryBackoff       time.Duration         `mapstructure:"retry_backoff"`
	OfflineGrace       time.Duration         `mapstructure:"offline_grace"`
	ConflictResolution schema.ConflictPolicy `mapstructure:"conflict_resolution"`

	LogFile       string `mapstructure:"log_file"`
	DashboardPort int    `mapstructure:"dashboard_port"`

	BackupDir string       `mapstructure:"backup_dir"`
	Backup    BackupConfig `mapstructure:"backup"`
}

// BackupConfig holds object storage settings for migration backups.
type BackupConfig struct {
	Minio MinioSettings `mapstructure:"minio"`
}

// MinioSettings mirrors backup.MinioConfig.
type MinioSettings struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// MinioConfig converts the settings for backup.NewMinioSink.
func (m MinioSettings) MinioConfig() backup.MinioConfig {
	return backup.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		UseSSL:    m.UseSSL,
		Prefix:    m.Prefix,
	}
}

// DefaultSettings returns sensible defaults.
func DefaultSettings() Settings {
	home := Home()
	return Settings{
		DataDir:            home,
		Store:              kv.KindFile,
		RemoteURL:          "http://localhost:8080",
		Mode:               schema.ModeHybrid,
		AutoSync:           true,
		SyncInterval:       schema.DefaultSyncInterval,
		ProbeInterval:      30 * time.Second,
		FailureThreshold:   3,
		MaxRetries:         schema.DefaultMaxRetries,
		BatchConcurrency:   5,
		RequestTimeout:     10 * time.Second,
		RetryAttempts:      3,
		RetryBackoff:       500 * time.Millisecond,
		OfflineGrace:       2 * time.Minute,
		ConflictResolution: schema.ConflictManual,
		DashboardPort:      8090,
		BackupDir:          filepath.Join(home, "backups"),
	}
}

// Home returns the todosync home directory.
func Home() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".todosync"
	}
	return filepath.Join(home, ".todosync")
}

// Validate checks values that would otherwise fail deep inside a component.
func (s Settings) Validate() error {
	var errs []error
	switch s.Store {
	case kv.KindFile, kv.KindSQLite, kv.KindMemory:
	case kv.KindRedis:
		if s.RedisURL == "" {
			errs = append(errs, fmt.Errorf("store redis needs redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", s.Store))
	}
	if _, err := schema.ParseMode(string(s.Mode)); err != nil {
		errs = append(errs, err)
	}
	switch s.ConflictResolution {
	case schema.ConflictManual, schema.ConflictLocal, schema.ConflictRemote:
	default:
		errs = append(errs, fmt.Errorf("unknown conflict_resolution %q", s.ConflictResolution))
	}
	if s.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync_interval must be positive"))
	}
	if s.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

// StorageConfig returns the persisted storage preference these settings
// describe.
func (s Settings) StorageConfig() schema.StorageConfig {
	return schema.StorageConfig{
		Mode:               s.Mode,
		AutoSync:           s.AutoSync,
		SyncInterval:       s.SyncInterval.Milliseconds(),
		ConflictResolution: s.ConflictResolution,
	}
}

// Loader reads Settings and tracks changes to the config file.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger

	mu      sync.Mutex
	current Settings
}

// NewLoader creates a Loader for the file at path, or for the default
// location when path is empty.
//
// If logger is nil, a default logger writing to stderr is used.
func NewLoader(path string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	v := viper.New()
	setDefaults(v, DefaultSettings())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Home())
	}
	return &Loader{v: v, logger: logger}
}

// BindFlags lets flags override file and environment values. Flag names use
// dashes where keys use underscores, e.g. --remote-url for remote_url.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !l.v.IsSet(key) {
			return
		}
		if bindErr := l.v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("failed to bind flag --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

// Load reads the config file, if any, and returns validated settings.
func (l *Loader) Load() (Settings, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	s, err := l.decode()
	if err != nil {
		return Settings{}, err
	}
	l.mu.Lock()
	l.current = s
	l.mu.Unlock()
	return s, nil
}

// ConfigFile returns the file in use, or "" when none was found.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the new settings every time the config file changes.
// Changes that fail validation are logged and ignored. Load must have found
// a file first.
func (l *Loader) Watch(fn func(Settings)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		s, err := l.decode()
		if err != nil {
			l.logger.Printf("Warning: ignoring invalid config change in %s: %v", e.Name, err)
			return
		}
		l.mu.Lock()
		l.current = s
		l.mu.Unlock()
		l.logger.Printf("Reloaded %s", e.Name)
		fn(s)
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded settings.
func (l *Loader) Current() Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) decode() (Settings, error) {
	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

// Load reads settings from the default location.
func Load() (Settings, error) {
	return NewLoader("", nil).Load()
}

func setDefaults(v *viper.Viper, d Settings) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store", string(d.Store))
	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("remote_url", d.RemoteURL)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("auto_sync", d.AutoSync)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("probe_interval", d.ProbeInterval)
	v.SetDefault("failure_threshold", d.FailureThreshold)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("batch_concurrency", d.BatchConcurrency)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("offline_grace", d.OfflineGrace)
	v.SetDefault("conflict_resolution", string(d.ConflictResolution))
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("dashboard_port", d.DashboardPort)
	v.SetDefault("backup_dir", d.BackupDir)
	v.SetDefault("backup.minio.endpoint", "")
	v.SetDefault("backup.minio.access_key", "")
	v.SetDefault("backup.minio.secret_key", "")
	v.SetDefault("backup.minio.bucket", "")
	v.SetDefault("backup.minio.region", "")
	v.SetDefault("backup.minio.use_ssl", false)
	v.SetDefault("backup.minio.prefix", "")
}
