// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package store persists the group chat messages the relay writes itself.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/pkg/protocol"
)

// poolIface is the subset of *pgxpool.Pool the store uses. pgxmock satisfies
// it in unit tests.
type poolIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const insertGroupMessageSQL = `INSERT INTO group_messages (group_id, sender_id, sender_name, text)
VALUES ($1, $2, $3, $4)
RETURNING id::text, created_at`

// PostgresMessageStore implements core.MessageStore on PostgreSQL.
type PostgresMessageStore struct {
	pool poolIface
}

var _ core.MessageStore = (*PostgresMessageStore)(nil)

// NewPostgresMessageStore wraps an existing pool.
func NewPostgresMessageStore(pool poolIface) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

// OpenPool connects to PostgreSQL and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return pool, nil
}

// InsertGroupMessage stores draft and returns the record with the id and
// timestamp assigned by the database.
func (s *PostgresMessageStore) InsertGroupMessage(ctx context.Context, draft protocol.GroupMessageDraft) (protocol.GroupMessage, error) {
	msg := protocol.GroupMessage{
		GroupID:    draft.GroupID,
		SenderID:   draft.SenderID,
		SenderName: draft.SenderName,
		Text:       draft.Text,
	}
	err := s.pool.QueryRow(ctx, insertGroupMessageSQL,
		draft.GroupID, draft.SenderID, draft.SenderName, draft.Text,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		b := oops.With("operation", "insert group message").With("group_id", draft.GroupID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			b = b.With("pg_code", pgErr.Code)
			if pgErr.Code == pgerrcode.UndefinedTable {
				b = b.Hint("schema missing, run: campuslink migrate up")
			}
		}
		return protocol.GroupMessage{}, b.Wrap(err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresMessageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return oops.With("operation", "ping").Wrap(err)
	}
	return nil
}
