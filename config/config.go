// Package config loads a YAML description of a graph store and a queue
// worker, and opens the store it describes.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/badger"
	"github.com/abstract-base-method/graphcoll/kvgraph"
	"github.com/abstract-base-method/graphcoll/memory"
	"github.com/abstract-base-method/graphcoll/queueworker"
	"github.com/abstract-base-method/graphcoll/redis"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

type Config struct {
	Store  StoreConfig        `yaml:"store"`
	Worker queueworker.Config `yaml:"worker"`
}

type StoreConfig struct {
	Backend     string              `yaml:"backend" validate:"oneof=memory badger redis"`
	LockTimeout time.Duration       `yaml:"lock_timeout" validate:"gte=0"`
	Compression kvgraph.Compression `yaml:"compression" validate:"omitempty,oneof=none zstd"`
	Badger      badger.Config       `yaml:"badger"`
	Redis       RedisConfig         `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db" validate:"gte=0"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

// Default is an in-memory store and the default worker settings.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:     BackendMemory,
			LockTimeout: kvgraph.DefaultLockTimeout,
			Compression: kvgraph.CompressionNone,
			Badger:      badger.DefaultConfig(),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: redis.DefaultNamespace,
			},
		},
		Worker: queueworker.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c.Store); err != nil {
		return fmt.Errorf("%w: store config: %v", graphcoll.ErrInvalidConfiguration, err)
	}
	if c.Store.Backend == BackendBadger && !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
		return fmt.Errorf("%w: badger backend needs a path or in_memory", graphcoll.ErrInvalidConfiguration)
	}
	return c.Worker.Validate()
}

// OpenStore opens the configured engine and wraps it in a kvgraph.Store.
// Closing the store closes the engine.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *log.Logger) (*kvgraph.Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	var engine kvgraph.Engine
	switch cfg.Backend {
	case BackendMemory:
		engine = memory.New()
	case BackendBadger:
		if cfg.Badger.Logger == nil {
			cfg.Badger.Logger = logger.WithPrefix("badger")
		}
		e, err := badger.OpenEngine(cfg.Badger)
		if err != nil {
			return nil, err
		}
		engine = e
	case BackendRedis:
		e := redis.NewRedisEngine(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		}, cfg.Redis.Namespace, redis.WithLogger(logger.WithPrefix("redis")))
		if err := e.Ping(ctx); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		engine = e
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", graphcoll.ErrInvalidConfiguration, cfg.Backend)
	}

	store, err := kvgraph.New(engine, kvgraph.Options{
		LockTimeout: cfg.LockTimeout,
		Compression: cfg.Compression,
		Logger:      logger.WithPrefix("kvgraph"),
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	logger.Debug("opened graph store", "backend", cfg.Backend)
	return store, nil
}
