// Package retry reattempts graph operations that fail because of lock
// contention or commit conflicts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/abstract-base-method/graphcoll"
)

type Config struct {
	MaxTries        uint          `yaml:"max_tries" validate:"min=1"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`

	// Logger receives a debug line per retry. Nil uses the default logger.
	Logger *log.Logger `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		MaxTries:        5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// OnContention runs fn with DefaultConfig.
func OnContention(ctx context.Context, name string, fn func() error) error {
	return Do(ctx, name, DefaultConfig(), fn)
}

// Do runs fn until it succeeds, fails with an error that graphcoll.IsTransient
// does not recognise, or cfg.MaxTries attempts were made. The last error is
// returned unchanged.
func Do(ctx context.Context, name string, cfg Config, fn func() error) error {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("retry")
	}
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil || graphcoll.IsTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("retrying after contention", "op", name, "error", err, "wait", wait)
		}),
	)
	return err
}
