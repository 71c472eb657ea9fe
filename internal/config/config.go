// Package config loads cadence settings: YAML file first, then CADENCE_* environment
// overrides, then validation.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/cadence/internal/engine"
	"github.com/rcliao/cadence/internal/storage"
)

type Config struct {
	Engine  engine.Config  `yaml:"engine"`
	Log     LogConfig      `yaml:"log"`
	Storage storage.Config `yaml:"storage"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Engine:  engine.DefaultConfig(),
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: storage.DefaultConfig(),
	}
}

// Load reads path (when non-empty) over the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	e := &c.Engine
	if e.PropagationBound, err = envInt("CADENCE_PROPAGATION_BOUND", e.PropagationBound); err != nil {
		return err
	}
	if e.QueueSize, err = envInt("CADENCE_QUEUE_SIZE", e.QueueSize); err != nil {
		return err
	}
	if e.EventBuffer, err = envInt("CADENCE_EVENT_BUFFER", e.EventBuffer); err != nil {
		return err
	}
	if e.TickInterval, err = envDuration("CADENCE_TICK_INTERVAL", e.TickInterval); err != nil {
		return err
	}

	c.Log.Level = envString("CADENCE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("CADENCE_LOG_FORMAT", c.Log.Format)

	s := &c.Storage
	s.Driver = storage.Driver(envString("CADENCE_STORAGE_DRIVER", string(s.Driver)))
	s.Path = envString("CADENCE_STORAGE_PATH", s.Path)

	s.Postgres.URL = envString("CADENCE_DATABASE_URL", s.Postgres.URL)
	if s.Postgres.PingTimeout, err = envDuration("CADENCE_DATABASE_PING_TIMEOUT", s.Postgres.PingTimeout); err != nil {
		return err
	}
	if s.Postgres.MaxOpenConns, err = envInt("CADENCE_DATABASE_MAX_OPEN_CONNS", s.Postgres.MaxOpenConns); err != nil {
		return err
	}
	if s.Postgres.MaxIdleConns, err = envInt("CADENCE_DATABASE_MAX_IDLE_CONNS", s.Postgres.MaxIdleConns); err != nil {
		return err
	}
	if s.Postgres.Keep, err = envInt("CADENCE_DATABASE_KEEP", s.Postgres.Keep); err != nil {
		return err
	}

	s.MinIO.Endpoint = envString("CADENCE_MINIO_ENDPOINT", s.MinIO.Endpoint)
	s.MinIO.AccessKey = envString("CADENCE_MINIO_ACCESS_KEY", s.MinIO.AccessKey)
	s.MinIO.SecretKey = envString("CADENCE_MINIO_SECRET_KEY", s.MinIO.SecretKey)
	s.MinIO.Region = envString("CADENCE_MINIO_REGION", s.MinIO.Region)
	s.MinIO.Bucket = envString("CADENCE_MINIO_BUCKET", s.MinIO.Bucket)
	s.MinIO.Prefix = envString("CADENCE_MINIO_PREFIX", s.MinIO.Prefix)
	if s.MinIO.UseSSL, err = envBool("CADENCE_MINIO_USE_SSL", s.MinIO.UseSSL); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level unsupported: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return c.Storage.Validate()
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
