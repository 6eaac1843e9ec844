package daemon

import (
	"context"
	"database/sql"
	"time"

	"memsync/internal/models"
	"memsync/internal/store"
)

// AttemptLog is the append-only audit trail of sync cycles. It informs
// status displays and nothing else.
type AttemptLog struct {
	st *store.Store
}

func NewAttemptLog(st *store.Store) *AttemptLog {
	return &AttemptLog{st: st}
}

func (a *AttemptLog) Start(ctx context.Context, peerID string) (int64, error) {
	res, err := a.st.DB().ExecContext(ctx, `
		INSERT INTO sync_attempts (peer_device_id, started_at, status)
		VALUES (?, ?, ?)
	`, peerID, time.Now().UTC(), models.AttemptRunning)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (a *AttemptLog) Finish(ctx context.Context, id int64, addr, status, errMsg string) error {
	_, err := a.st.DB().ExecContext(ctx, `
		UPDATE sync_attempts SET address = ?, status = ?, error = ?, finished_at = ? WHERE id = ?
	`, addr, status, errMsg, time.Now().UTC(), id)
	return err
}

// Recent returns the latest attempts, newest first.
func (a *AttemptLog) Recent(ctx context.Context, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.st.DB().QueryContext(ctx, `
		SELECT id, peer_device_id, address, started_at, finished_at, status, error
		FROM sync_attempts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncAttempt
	for rows.Next() {
		var at models.SyncAttempt
		var finished sql.NullTime
		if err := rows.Scan(&at.ID, &at.PeerDeviceID, &at.Address, &at.StartedAt, &finished, &at.Status, &at.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			at.FinishedAt = finished.Time
		}
		out = append(out, at)
	}
	return out, rows.Err()
}
