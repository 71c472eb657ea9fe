// Package storage persists dependency graph snapshots.
//
// The engine works on an in-memory graph; a SnapshotStore only saves and reloads a
// consistent copy of it. Every driver treats the latest saved snapshot as current.
package storage

import (
	"context"
	"fmt"

	"github.com/rcliao/cadence/internal/domain"
)

type SnapshotStore interface {
	Save(ctx context.Context, snap *domain.Snapshot) error
	// Load returns the latest snapshot, or domain.ErrSnapshotNotFound.
	Load(ctx context.Context) (*domain.Snapshot, error)
	Close() error
}

type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverFile     Driver = "file"
	DriverPostgres Driver = "postgres"
	DriverMinIO    Driver = "minio"
)

// Config selects and configures a driver. Only the section of the chosen driver is read.
type Config struct {
	Driver   Driver         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
	MinIO    ObjectConfig   `yaml:"minio"`
}

func DefaultConfig() Config {
	return Config{
		Driver:   DriverMemory,
		Path:     ".",
		Postgres: DefaultPostgresConfig(),
		MinIO:    DefaultObjectConfig(),
	}
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverFile:
		if c.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Driver)
		}
		return nil
	case DriverPostgres:
		return c.Postgres.Validate()
	case DriverMinIO:
		return c.MinIO.Validate()
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// Open builds the store selected by cfg. Remote drivers are connected and their
// schema or bucket is created when missing.
func Open(ctx context.Context, cfg Config) (SnapshotStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverFile:
		return NewFileStore(cfg.Path)
	case DriverPostgres:
		return OpenPostgresStore(ctx, cfg.Postgres)
	case DriverMinIO:
		return OpenObjectStore(ctx, cfg.MinIO)
	default:
		return NewMemoryStore(), nil
	}
}
