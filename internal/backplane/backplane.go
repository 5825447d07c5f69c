// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package backplane carries relay envelopes between relay instances.
package backplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/observability"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "campuslink:relay"

// Options configures Open.
type Options struct {
	// URL is a redis:// or rediss:// URL. Empty means single-instance mode.
	URL     string
	Channel string
	// ConnectAttempts bounds the startup ping retries. Zero means 5.
	ConnectAttempts uint64
	// RetryBase is the first backoff interval. Zero means 200ms.
	RetryBase time.Duration
	Metrics   *observability.Metrics
}

// Open connects to the configured backplane. It returns nil, meaning the relay
// runs as a single instance, when no URL is configured or when the backplane
// cannot be reached. Startup never fails because of the backplane.
func Open(ctx context.Context, opts Options, logger *slog.Logger) core.Backplane {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backplane")

	if opts.URL == "" {
		logger.Info("no backplane configured, running as a single instance")
		return nil
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		logger.Warn("invalid backplane url, running as a single instance", "error", err)
		opts.Metrics.RecordBackplaneError("connect")
		return nil
	}
	client := redis.NewClient(redisOpts)

	if err := ping(ctx, client, opts); err != nil {
		_ = client.Close() //nolint:errcheck // connection never came up
		logger.Warn("backplane unreachable, running as a single instance",
			"addr", redisOpts.Addr, "error", err)
		opts.Metrics.RecordBackplaneError("connect")
		return nil
	}

	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger.Info("backplane connected", "addr", redisOpts.Addr, "channel", channel)
	return NewRedis(client, channel, logger)
}

func ping(ctx context.Context, client *redis.Client, opts Options) error {
	attempts := opts.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	base := opts.RetryBase
	if base == 0 {
		base = 200 * time.Millisecond
	}

	backoff := retry.WithMaxRetries(attempts-1, retry.WithCappedDuration(5*time.Second, retry.NewExponential(base)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code("BACKPLANE_UNAVAILABLE").With("attempts", attempts).Wrap(err)
	}
	return nil
}
