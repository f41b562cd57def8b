package backup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
)

func TestFileSink_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	sink := NewFileSink(dir)
	sink.now = func() time.Time { return time.Date(2026, 7, 8, 9, 10, 11, 0, time.UTC) }

	todos := []schema.Todo{
		{ID: "a", Title: "Buy milk"},
		{ID: "b", Title: "Call plumber", Completed: true},
	}
	loc, err := sink.Write(context.Background(), "remote", todos)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if want := filepath.Join(dir, "remote.backup.20260708-091011.jsonl"); loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}

	got, err := migrate.ReadJSONL(loc)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(got) != 2 || got[1].ID != "b" {
		t.Errorf("backup contents = %+v", got)
	}
}

func TestFileSink_EmptyCollection(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	loc, err := sink.Write(context.Background(), "local", nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := migrate.ReadJSONL(loc)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty backup, got %d records", len(got))
	}
}

func TestMinioConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinioConfig
		want bool
	}{
		{"empty", MinioConfig{}, false},
		{"no bucket", MinioConfig{Endpoint: "localhost:9000"}, false},
		{"complete", MinioConfig{Endpoint: "localhost:9000", Bucket: "todos"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewMinioSink(t *testing.T) {
	if _, err := NewMinioSink(MinioConfig{}, nil); err == nil {
		t.Error("expected error without endpoint")
	}

	// the client is created lazily; no connection is made here
	sink, err := NewMinioSink(MinioConfig{Endpoint: "localhost:9000", Bucket: "todos", Prefix: "todosync/"}, nil)
	if err != nil {
		t.Fatalf("NewMinioSink failed: %v", err)
	}
	if !strings.HasPrefix(sink.cfg.Prefix, "todosync") {
		t.Errorf("prefix = %q", sink.cfg.Prefix)
	}
}
