// Package merge applies remote ops to local state under last-writer-wins
// ordering. Apply is idempotent: replaying any op, or an op that already
// lost, is a no-op.
package merge

import (
	"context"
	"database/sql"
	"errors"

	"memsync/internal/models"
	"memsync/internal/oplog"
	"memsync/internal/store"
)

// Outcome reports what Apply did with an op.
type Outcome int

const (
	Skipped Outcome = iota
	Applied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "skipped"
}

type Engine struct {
	st *store.Store
}

func New(st *store.Store) *Engine {
	return &Engine{st: st}
}

// ApplyTx applies one remote op inside the caller's transaction.
//
// The op is validated, compared against the current winning state of its
// entity, and written as the new state only if its clock wins (or no state
// exists). Win or lose, the op is also echoed into the local op log (keyed
// by op_id, duplicates ignored) so devices pulling from us receive ops we
// learned third-hand. Conflicts never produce an error; only storage
// failures do, and those roll the transaction back for a safe retry.
func (e *Engine) ApplyTx(ctx context.Context, tx *sql.Tx, op *models.Op) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Skipped, err
	}

	// Remote seq is meaningless locally; the echo insert assigns our own.
	op.Seq = 0
	if _, err := oplog.InsertTx(ctx, tx, op); err != nil {
		return Skipped, err
	}

	current, err := currentClockTx(ctx, tx, op.EntityType, op.EntityID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Skipped, err
		}
		// First sighting of this entity.
		return Applied, oplog.UpsertStateTx(ctx, tx, op)
	}
	if !op.Clock.After(*current) {
		return Skipped, nil
	}
	return Applied, oplog.UpsertStateTx(ctx, tx, op)
}

// Apply is ApplyTx wrapped in its own transaction, for single-op callers.
func (e *Engine) Apply(ctx context.Context, op *models.Op) (Outcome, error) {
	var out Outcome
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		var applyErr error
		out, applyErr = e.ApplyTx(ctx, tx, op)
		return applyErr
	})
	return out, err
}

// CurrentState returns the winning op for an entity, or store.ErrNotFound.
func (e *Engine) CurrentState(ctx context.Context, entityType, entityID string) (*models.Op, error) {
	row := e.st.DB().QueryRowContext(ctx, `
		SELECT op_id, entity_type, entity_id, project, payload, tombstone, rev, updated_at, origin_device_id
		FROM entity_state WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	var op models.Op
	var payload string
	err := row.Scan(&op.OpID, &op.EntityType, &op.EntityID, &op.Project, &payload,
		&op.Tombstone, &op.Clock.Rev, &op.Clock.UpdatedAt, &op.Clock.DeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

func currentClockTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*models.Clock, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT rev, updated_at, origin_device_id
		FROM entity_state WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	var c models.Clock
	if err := row.Scan(&c.Rev, &c.UpdatedAt, &c.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
