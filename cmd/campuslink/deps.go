// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/campuslink/campuslink/internal/backplane"
	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/internal/store"
)

// RelayDeps contains injectable dependencies for the relay command.
// All fields with nil values will use their default implementations.
type RelayDeps struct {
	// MessageStoreFactory opens the group message store.
	// Default: store.OpenPool + store.NewPostgresMessageStore
	MessageStoreFactory func(ctx context.Context, url string) (MessageStore, error)

	// BackplaneOpener connects to peer instances. A nil result runs a
	// single instance.
	// Default: backplane.Open
	BackplaneOpener func(ctx context.Context, opts backplane.Options, logger *slog.Logger) core.Backplane

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ListenerFactory creates a network listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)
}

// MessageStore is the store used by the relay plus lifecycle hooks.
type MessageStore interface {
	core.MessageStore
	Ping(ctx context.Context) error
	Close()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// MigratorFactory opens a schema migrator for a database URL.
type MigratorFactory func(databaseURL string) (Migrator, error)

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
	Status() (store.MigrationStatus, error)
	Close() error
}

// pooledStore closes the pool backing a PostgresMessageStore.
type pooledStore struct {
	*store.PostgresMessageStore
	close func()
}

func (s pooledStore) Close() { s.close() }

func openMessageStore(ctx context.Context, url string) (MessageStore, error) {
	pool, err := store.OpenPool(ctx, url)
	if err != nil {
		return nil, err //nolint:wrapcheck // coded by store
	}
	return pooledStore{PostgresMessageStore: store.NewPostgresMessageStore(pool), close: pool.Close}, nil
}

func (d *RelayDeps) withDefaults() *RelayDeps {
	if d == nil {
		d = &RelayDeps{}
	}
	if d.MessageStoreFactory == nil {
		d.MessageStoreFactory = openMessageStore
	}
	if d.BackplaneOpener == nil {
		d.BackplaneOpener = backplane.Open
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if d.ListenerFactory == nil {
		d.ListenerFactory = net.Listen
	}
	return d
}
