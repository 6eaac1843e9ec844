// Package oplog is the append-only record of local mutations and the only
// write path for replicated state. Every append stamps an LWW clock and is
// durable before it returns.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"memsync/internal/models"
	"memsync/internal/store"
)

type Log struct {
	st       *store.Store
	deviceID string
}

func New(st *store.Store, deviceID string) *Log {
	return &Log{st: st, deviceID: deviceID}
}

// AppendInput describes one local mutation. A nil Payload with
// Tombstone=true deletes the entity.
type AppendInput struct {
	EntityType string
	EntityID   string
	Project    string
	Payload    json.RawMessage
	Tombstone  bool
}

// Append records a local mutation: next per-entity rev, wall-clock stamp,
// content-derived op id, op row and entity state updated in one transaction.
// The mutation is committed when Append returns, not before.
func (l *Log) Append(ctx context.Context, in AppendInput) (*models.Op, error) {
	if in.EntityType == "" || in.EntityID == "" {
		return nil, fmt.Errorf("%w: entity_type and entity_id are required", models.ErrMalformedOp)
	}
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	var op *models.Op
	err := l.st.WithTx(ctx, func(tx *sql.Tx) error {
		rev, err := nextRevTx(ctx, tx, in.EntityType, in.EntityID)
		if err != nil {
			return err
		}
		op = &models.Op{
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Project:    in.Project,
			Payload:    payload,
			Tombstone:  in.Tombstone,
			Clock: models.Clock{
				Rev:       rev,
				UpdatedAt: time.Now().UTC(),
				DeviceID:  l.deviceID,
			},
		}
		op.OpID = op.ComputeID()

		seq, err := InsertTx(ctx, tx, op)
		if err != nil {
			return err
		}
		op.Seq = seq
		// A local append carries the highest rev seen for the entity, so it
		// is the winner by construction.
		return UpsertStateTx(ctx, tx, op)
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// nextRevTx reads the highest rev observed for the entity across the log and
// current state, and returns it plus one.
func nextRevTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(rev), 0) + 1 FROM (
			SELECT rev FROM op_log WHERE entity_type = ? AND entity_id = ?
			UNION ALL
			SELECT rev FROM entity_state WHERE entity_type = ? AND entity_id = ?
		)
	`, entityType, entityID, entityType, entityID).Scan(&next)
	return next, err
}

// InsertTx appends an op row, ignoring ops already present (by op_id), and
// returns the local seq assigned to it (zero when ignored).
func InsertTx(ctx context.Context, tx *sql.Tx, op *models.Op) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO op_log (op_id, entity_type, entity_id, project, payload, tombstone, rev, updated_at, origin_device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO NOTHING
	`, op.OpID, op.EntityType, op.EntityID, op.Project, string(op.Payload), op.Tombstone,
		op.Clock.Rev, op.Clock.UpdatedAt.UTC(), op.Clock.DeviceID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// UpsertStateTx writes op as the current winning state of its entity.
func UpsertStateTx(ctx context.Context, tx *sql.Tx, op *models.Op) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entity_state (entity_type, entity_id, op_id, project, payload, tombstone, rev, updated_at, origin_device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			op_id = excluded.op_id,
			project = excluded.project,
			payload = excluded.payload,
			tombstone = excluded.tombstone,
			rev = excluded.rev,
			updated_at = excluded.updated_at,
			origin_device_id = excluded.origin_device_id
	`, op.EntityType, op.EntityID, op.OpID, op.Project, string(op.Payload), op.Tombstone,
		op.Clock.Rev, op.Clock.UpdatedAt.UTC(), op.Clock.DeviceID)
	return err
}

// OpsSince returns the page of ops with seq > since, ordered by seq.
// entityType filters to one type; models.AllEntityTypes means every type.
// The second return is the seq of the last op in the page (== since when the
// page is empty), usable as the next cursor.
func (l *Log) OpsSince(ctx context.Context, since int64, entityType string, limit int) ([]models.Op, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, op_id, entity_type, entity_id, project, payload, tombstone, rev, updated_at, origin_device_id
		FROM op_log WHERE seq > ?`
	args := []any{since}
	if entityType != models.AllEntityTypes {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	ops := make([]models.Op, 0, limit)
	next := since
	for rows.Next() {
		var op models.Op
		var payload string
		if err := rows.Scan(&op.Seq, &op.OpID, &op.EntityType, &op.EntityID, &op.Project, &payload,
			&op.Tombstone, &op.Clock.Rev, &op.Clock.UpdatedAt, &op.Clock.DeviceID); err != nil {
			return nil, 0, err
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
		next = op.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return ops, next, nil
}

// PendingCount counts ops with seq > since.
func (l *Log) PendingCount(ctx context.Context, since int64) (int64, error) {
	var n int64
	err := l.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM op_log WHERE seq > ?`, since).Scan(&n)
	return n, err
}

// HeadSeq returns the highest seq in the log.
func (l *Log) HeadSeq(ctx context.Context) (int64, error) {
	var n int64
	err := l.st.DB().QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM op_log`).Scan(&n)
	return n, err
}
