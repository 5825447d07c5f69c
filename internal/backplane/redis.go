// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package backplane

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/campuslink/campuslink/internal/core"
)

// Redis is a Backplane over a single Redis pub/sub channel. Envelopes are
// JSON encoded.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ core.Backplane = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

// Publish sends env to every subscribed instance.
func (r *Redis) Publish(ctx context.Context, env core.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return oops.With("operation", "encode envelope").With("kind", string(env.Kind)).Wrap(err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return oops.With("operation", "publish").With("channel", r.channel).Wrap(err)
	}
	return nil
}

// Subscribe delivers envelopes to handle until ctx is done. It returns once
// the subscription is confirmed and then closed, or with an error when the
// subscription could not be established or was lost.
func (r *Redis) Subscribe(ctx context.Context, handle func(core.Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }() //nolint:errcheck // best effort on shutdown

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return oops.With("operation", "subscribe").With("channel", r.channel).Wrap(err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return oops.With("operation", "subscribe").With("channel", r.channel).
					Errorf("subscription closed")
			}
			var env core.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("discarding malformed envelope", "error", err)
				continue
			}
			handle(env)
		}
	}
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return oops.With("operation", "close backplane").Wrap(err)
	}
	return nil
}
