package kv

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistent key/value layer behind job configs, run state
// and run logs. Get returns (nil, nil) for a missing or expired key.
// A zero ttl on Set means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type     string // "sqlite" (default), "redis", "postgres"
	Path     string // sqlite file path
	Address  string // redis host:port
	Password string
	DB       int
	DSN      string // postgres connection string
	Prefix   string // redis key namespace
}

// New builds a Store from cfg.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			cfg.Path = "ratatosk.db"
		}
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.Address, cfg.Password, cfg.DB, cfg.Prefix), nil
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "":
		return NewSQLiteStore("ratatosk.db")
	default:
		return nil, fmt.Errorf("unsupported kv store type: %s", cfg.Type)
	}
}
