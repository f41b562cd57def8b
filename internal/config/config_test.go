package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TODOSYNC_HOME", home)

	s, err := NewLoader("", nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := DefaultSettings()
	if s.DataDir != home {
		t.Errorf("DataDir = %q, want %q", s.DataDir, home)
	}
	if s.Store != want.Store || s.Mode != want.Mode || s.SyncInterval != want.SyncInterval {
		t.Errorf("got %+v, want defaults %+v", s, want)
	}
	if s.MaxRetries != 3 || s.FailureThreshold != 3 || s.BatchConcurrency != 5 {
		t.Errorf("retry settings = %d/%d/%d", s.MaxRetries, s.FailureThreshold, s.BatchConcurrency)
	}
	if s.BackupDir != filepath.Join(home, "backups") {
		t.Errorf("BackupDir = %q", s.BackupDir)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
store: sqlite
remote_url: https://todos.example.com
mode: local
auto_sync: false
sync_interval: 90s
conflict_resolution: remote
backup:
  minio:
    endpoint: localhost:9000
    bucket: backups
`)
	s, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Store != kv.KindSQLite {
		t.Errorf("Store = %q, want sqlite", s.Store)
	}
	if s.RemoteURL != "https://todos.example.com" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
	if s.Mode != schema.ModeLocal || s.AutoSync {
		t.Errorf("Mode = %q AutoSync = %v", s.Mode, s.AutoSync)
	}
	if s.SyncInterval != 90*time.Second {
		t.Errorf("SyncInterval = %v, want 90s", s.SyncInterval)
	}
	if s.ConflictResolution != schema.ConflictRemote {
		t.Errorf("ConflictResolution = %q", s.ConflictResolution)
	}
	if !s.Backup.Minio.MinioConfig().Enabled() {
		t.Errorf("minio backup not enabled: %+v", s.Backup.Minio)
	}
	if s.RetryAttempts != 3 {
		t.Errorf("unset keys should keep defaults, RetryAttempts = %d", s.RetryAttempts)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "remote_url: http://from-file\nsync_interval: 10m\n")
	t.Setenv("TODOSYNC_REMOTE_URL", "http://from-env")
	t.Setenv("TODOSYNC_SYNC_INTERVAL", "1m")
	t.Setenv("TODOSYNC_BACKUP_MINIO_BUCKET", "env-bucket")

	s, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.RemoteURL != "http://from-env" {
		t.Errorf("RemoteURL = %q, want env value", s.RemoteURL)
	}
	if s.SyncInterval != time.Minute {
		t.Errorf("SyncInterval = %v, want 1m", s.SyncInterval)
	}
	if s.Backup.Minio.Bucket != "env-bucket" {
		t.Errorf("Bucket = %q", s.Backup.Minio.Bucket)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("TODOSYNC_HOME", t.TempDir())
	t.Setenv("TODOSYNC_MODE", "local")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("mode", "hybrid", "")
	fs.String("remote-url", "", "")
	fs.Bool("verbose", false, "")
	if err := fs.Parse([]string{"--mode=hybrid", "--remote-url=http://flag"}); err != nil {
		t.Fatal(err)
	}

	l := NewLoader("", nil)
	if err := l.BindFlags(fs); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}
	s, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Mode != schema.ModeHybrid {
		t.Errorf("Mode = %q, want flag value", s.Mode)
	}
	if s.RemoteURL != "http://flag" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown store", "store: postgres\n", "unknown store"},
		{"redis without url", "store: redis\n", "redis_url"},
		{"bad mode", "mode: cloud\n", "mode"},
		{"bad policy", "conflict_resolution: newest\n", "conflict_resolution"},
		{"zero retries", "max_retries: 0\n", "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeConfig(t, tt.body), nil).Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "store: [unterminated\n")
	if _, err := NewLoader(path, nil).Load(); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestStorageConfig(t *testing.T) {
	s := DefaultSettings()
	s.Mode = schema.ModeLocal
	s.SyncInterval = 2 * time.Minute

	cfg := s.StorageConfig()
	if cfg.Mode != schema.ModeLocal || cfg.Interval() != 2*time.Minute || !cfg.AutoSync {
		t.Errorf("StorageConfig() = %+v", cfg)
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "mode: hybrid\n")
	l := NewLoader(path, nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changes := make(chan Settings, 4)
	l.Watch(func(s Settings) { changes <- s })

	if err := os.WriteFile(path, []byte("mode: local\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-changes:
			if s.Mode == schema.ModeLocal {
				if l.Current().Mode != schema.ModeLocal {
					t.Errorf("Current().Mode = %q", l.Current().Mode)
				}
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
