package oplog

import (
	"context"
	"database/sql"
	"encoding/json"

	"memsync/internal/models"
)

// Backfill materializes log entries for entity_state rows that predate the
// op log (entities imported before replication was enabled). It runs in
// bounded batches, each its own transaction, so a first sync never needs one
// unbounded write. Idempotent: entities that already have any logged op are
// skipped, so re-running after a crash is safe. Returns the number of ops
// created.
func (l *Log) Backfill(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	total := 0
	for {
		n, err := l.backfillBatch(ctx, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < batchSize {
			return total, nil
		}
	}
}

func (l *Log) backfillBatch(ctx context.Context, batchSize int) (int, error) {
	n := 0
	err := l.st.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT es.entity_type, es.entity_id, es.op_id, es.project, es.payload,
			       es.tombstone, es.rev, es.updated_at, es.origin_device_id
			FROM entity_state es
			WHERE NOT EXISTS (
				SELECT 1 FROM op_log ol
				WHERE ol.entity_type = es.entity_type AND ol.entity_id = es.entity_id
			)
			LIMIT ?
		`, batchSize)
		if err != nil {
			return err
		}
		ops, err := scanStates(rows)
		if err != nil {
			return err
		}
		for i := range ops {
			op := &ops[i]
			if op.Clock.DeviceID == "" {
				op.Clock.DeviceID = l.deviceID
			}
			if op.Clock.Rev == 0 {
				op.Clock.Rev = 1
			}
			if op.OpID == "" {
				op.OpID = op.ComputeID()
				if _, err := tx.ExecContext(ctx, `
					UPDATE entity_state SET op_id = ? WHERE entity_type = ? AND entity_id = ?
				`, op.OpID, op.EntityType, op.EntityID); err != nil {
					return err
				}
			}
			if _, err := InsertTx(ctx, tx, op); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func scanStates(rows *sql.Rows) ([]models.Op, error) {
	defer rows.Close()
	var ops []models.Op
	for rows.Next() {
		var op models.Op
		var payload string
		if err := rows.Scan(&op.EntityType, &op.EntityID, &op.OpID, &op.Project, &payload,
			&op.Tombstone, &op.Clock.Rev, &op.Clock.UpdatedAt, &op.Clock.DeviceID); err != nil {
			return nil, err
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
