package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrUnknownArea      = errors.New("unknown storage area")
	ErrUnknownBackend   = errors.New("unknown storage backend")
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// Area is a named logical partition of the store
type Area string

const (
	AreaLocal   Area = "local"
	AreaSync    Area = "sync"
	AreaSession Area = "session"
)

// Areas returns every storage area
func Areas() []Area {
	return []Area{AreaLocal, AreaSync, AreaSession}
}

// Valid reports whether a is a known area
func (a Area) Valid() bool {
	switch a {
	case AreaLocal, AreaSync, AreaSession:
		return true
	}
	return false
}

// Backend is a persistent key-value store partitioned by area.
// Missing keys are absent from Get results rather than errors.
type Backend interface {
	Get(ctx context.Context, area Area, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, area Area, items map[string][]byte) error
	Remove(ctx context.Context, area Area, keys []string) error
	Keys(ctx context.Context, area Area) ([]string, error)
	BytesInUse(ctx context.Context, area Area) (int64, error)
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend     string `yaml:"backend" json:"backend" env:"BACKEND"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path" env:"SQLITE_PATH"`
	RedisURL    string `yaml:"redis_url" json:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix" env:"REDIS_PREFIX"`
}

// Open creates the backend named in cfg
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLitePath)
	case "redis":
		return NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}

// GetJSON decodes the value stored at key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, b Backend, area Area, key string, v interface{}) (bool, error) {
	items, err := b.Get(ctx, area, []string{key})
	if err != nil {
		return false, err
	}
	data, ok := items[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s/%s: %w", area, key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON at key
func SetJSON(ctx context.Context, b Backend, area Area, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", area, key, err)
	}
	return b.Set(ctx, area, map[string][]byte{key: data})
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

func checkArea(area Area) error {
	if !area.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownArea, area)
	}
	return nil
}
