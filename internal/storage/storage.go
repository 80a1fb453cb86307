// Package storage persists small client-side facts (auth token, per-user
// onboarding flags, last analysis pointer) behind a key-value backend.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/benvon/dermin/internal/config"
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = errors.New("storage: key not found")

// Backend is a string key-value store. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Pinger is implemented by backends that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ensure concrete types implement the interfaces
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*RedisBackend)(nil)
	_ Pinger  = (*RedisBackend)(nil)
	_ Pinger  = (*FileBackend)(nil)
)

// Open creates the backend selected by cfg.StorageBackend
func Open(cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		return NewMemoryBackend(), nil
	case config.StorageFile:
		return NewFileBackend(cfg.StateFile)
	case config.StorageRedis:
		return NewRedisBackend(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
