// Package pgx implements the store interfaces on PostgreSQL via pgx.
// All writes are idempotent upserts keyed by natural identifiers, so
// resumed runs and concurrent shard workers are safe without locks.
package pgx

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peerscope/backend/pkg/store"
)

// Storage is the PostgreSQL-backed store.
type Storage struct {
	conn *pgxpool.Pool
}

var _ store.Store = (*Storage)(nil)

// New creates a Storage on top of an initialized connection pool.
func New(conn *pgxpool.Pool) *Storage {
	return &Storage{conn: conn}
}
