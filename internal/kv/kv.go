// Package kv provides the key/value backends behind the local replica.
//
// The local replica persists four documents, each as a single value:
//
//	todos               JSON array of schema.Todo
//	pending-operations  JSON array of schema.PendingOperation
//	offline-state       schema.RuntimeState
//	storage-config      schema.StorageConfig
//
// Every Set replaces the whole value atomically. A reader never observes a
// partially written collection, whichever backend is in use.
package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// Well-known keys.
const (
	KeyTodos             = "todos"
	KeyPendingOperations = "pending-operations"
	KeyOfflineState      = "offline-state"
	KeyStorageConfig     = "storage-config"
)

// ErrKeyNotFound is returned by Get when the key has never been written.
var ErrKeyNotFound = errors.New("key not found")

// Backend stores opaque values under string keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Kind selects a backend implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindRedis  Kind = "redis"
	KindMemory Kind = "memory"
)

// Options configures Open.
type Options struct {
	Kind Kind

	// Dir is the data directory for file and sqlite backends.
	Dir string

	// RedisURL is used by the redis backend, e.g. redis://localhost:6379/0.
	RedisURL string

	// Namespace isolates one user's keys from another's. Empty means none.
	Namespace string
}

// Open creates the backend described by opts.
//
// Example:
//
//	store, err := kv.Open(ctx, kv.Options{Kind: kv.KindSQLite, Dir: "~/.todosync"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case KindFile, "":
		return NewFile(filepath.Join(opts.Dir, "store"), opts.Namespace)
	case KindSQLite:
		return OpenSQLite(ctx, filepath.Join(opts.Dir, "todosync.db"), opts.Namespace)
	case KindRedis:
		return NewRedis(ctx, opts.RedisURL, opts.Namespace)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", opts.Kind)
	}
}

// namespaced prefixes key with ns when set.
func namespaced(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}
