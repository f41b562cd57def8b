package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// exerciseBackend runs the behaviour every backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping() failed: %v", err)
	}

	if _, err := b.Get(ctx, KeyTodos); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}

	if err := b.Set(ctx, KeyTodos, []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	got, err := b.Get(ctx, KeyTodos)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != `[{"id":"a"}]` {
		t.Errorf("Get() = %s, want %s", got, `[{"id":"a"}]`)
	}

	// overwrite replaces the whole value
	if err := b.Set(ctx, KeyTodos, []byte(`[]`)); err != nil {
		t.Fatalf("Set(overwrite) failed: %v", err)
	}
	got, _ = b.Get(ctx, KeyTodos)
	if string(got) != `[]` {
		t.Errorf("Get() after overwrite = %s, want []", got)
	}

	if err := b.Delete(ctx, KeyTodos); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := b.Get(ctx, KeyTodos); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrKeyNotFound", err)
	}

	// deleting twice is fine
	if err := b.Delete(ctx, KeyTodos); err != nil {
		t.Errorf("Delete(missing) unexpected error: %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	b, err := NewFile(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFile() failed: %v", err)
	}
	exerciseBackend(t, b)
}

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFile(dir, "alice")
	if err != nil {
		t.Fatalf("NewFile() failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := b.Set(context.Background(), KeyPendingOperations, []byte(`[]`)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("store directory has %d entries, want 1", len(entries))
	}
	if want := "alice_pending-operations.json"; entries[0].Name() != want {
		t.Errorf("file name = %q, want %q", entries[0].Name(), want)
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	b, err := OpenSQLite(ctx, path, "")
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	b, err := OpenSQLite(ctx, path, "bob")
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	if err := b.Set(ctx, KeyStorageConfig, []byte(`{"mode":"local"}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	b, err = OpenSQLite(ctx, path, "bob")
	if err != nil {
		t.Fatalf("OpenSQLite(reopen) failed: %v", err)
	}
	defer b.Close()

	got, err := b.Get(ctx, KeyStorageConfig)
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if string(got) != `{"mode":"local"}` {
		t.Errorf("Get() = %s, want %s", got, `{"mode":"local"}`)
	}

	// another namespace does not see bob's keys
	other, err := OpenSQLite(ctx, path, "carol")
	if err != nil {
		t.Fatalf("OpenSQLite(carol) failed: %v", err)
	}
	defer other.Close()
	if _, err := other.Get(ctx, KeyStorageConfig); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(other namespace) error = %v, want ErrKeyNotFound", err)
	}
}

func TestRedisBackend(t *testing.T) {
	s := miniredis.RunT(t)

	b, err := NewRedis(context.Background(), "redis://"+s.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedis() failed: %v", err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}

func TestRedisBackend_KeyPrefix(t *testing.T) {
	s := miniredis.RunT(t)

	b, err := NewRedis(context.Background(), "redis://"+s.Addr(), "dave")
	if err != nil {
		t.Fatalf("NewRedis() failed: %v", err)
	}
	defer b.Close()

	if err := b.Set(context.Background(), KeyOfflineState, []byte(`{}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if !s.Exists("dave:todosync:offline-state") {
		t.Errorf("expected key dave:todosync:offline-state, have %v", s.Keys())
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-url://", ""); err == nil {
		t.Error("NewRedis(bad url) expected error, got nil")
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemoryBackend_FailWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailWrites(1)

	if err := m.Set(ctx, KeyTodos, []byte(`[]`)); !errors.Is(err, ErrInjected) {
		t.Fatalf("Set() error = %v, want ErrInjected", err)
	}
	if err := m.Set(ctx, KeyTodos, []byte(`[]`)); err != nil {
		t.Fatalf("Set() after injected failure: %v", err)
	}
	if m.Writes() != 1 {
		t.Errorf("Writes() = %d, want 1", m.Writes())
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, kind := range []Kind{KindFile, KindSQLite, KindMemory} {
		t.Run(string(kind), func(t *testing.T) {
			b, err := Open(ctx, Options{Kind: kind, Dir: dir})
			if err != nil {
				t.Fatalf("Open(%s) failed: %v", kind, err)
			}
			defer b.Close()
			if err := b.Ping(ctx); err != nil {
				t.Errorf("Ping() failed: %v", err)
			}
		})
	}

	if _, err := Open(ctx, Options{Kind: "etcd"}); err == nil {
		t.Error("Open(unknown kind) expected error, got nil")
	}
}
