// Package cursors keeps per-peer replication watermarks. A cursor is owned
// by the sync engine alone, moves strictly forward, and is only rewound by
// an explicit peer reset.
package cursors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"memsync/internal/models"
	"memsync/internal/store"
)

type Store struct {
	st *store.Store
}

func New(st *store.Store) *Store {
	return &Store{st: st}
}

// Get returns the stored position for (peer, entityType, direction), zero
// when no cursor exists yet.
func (c *Store) Get(ctx context.Context, peer, entityType string, dir models.Direction) (int64, error) {
	row := c.st.DB().QueryRowContext(ctx, `
		SELECT position FROM cursors
		WHERE peer_device_id = ? AND entity_type = ? AND direction = ?
	`, peer, entityType, string(dir))
	var pos int64
	if err := row.Scan(&pos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return pos, nil
}

// AdvanceTx moves the cursor forward inside the caller's transaction. Must
// only be called after the ops it covers are durably applied in the same
// transaction. A position at or behind the stored one is a no-op, never an
// error, so replayed pages are harmless.
func (c *Store) AdvanceTx(ctx context.Context, tx *sql.Tx, peer, entityType string, dir models.Direction, position int64) error {
	if position < 0 {
		return fmt.Errorf("cursor position %d is negative", position)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (peer_device_id, entity_type, direction, position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_device_id, entity_type, direction) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
		WHERE excluded.position > cursors.position
	`, peer, entityType, string(dir), position, time.Now().UTC())
	return err
}

// Advance is AdvanceTx in its own transaction.
func (c *Store) Advance(ctx context.Context, peer, entityType string, dir models.Direction, position int64) error {
	return c.st.WithTx(ctx, func(tx *sql.Tx) error {
		return c.AdvanceTx(ctx, tx, peer, entityType, dir, position)
	})
}

// Reset drops every cursor for the peer: the next sync re-fetches from
// scratch. Safe because apply is idempotent.
func (c *Store) Reset(ctx context.Context, peer string) error {
	_, err := c.st.DB().ExecContext(ctx, `DELETE FROM cursors WHERE peer_device_id = ?`, peer)
	return err
}
