package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenAppliesMigrations(t *testing.T) {
	st := openTest(t)
	for _, table := range []string{"device", "op_log", "entity_state", "cursors", "peers", "sync_attempts"} {
		var name string
		err := st.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen must not re-run applied migrations: %v", err)
	}
	_ = st.Close()
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (peer_device_id, entity_type, direction, position, updated_at)
			VALUES ('p', '', 'pull', 5, CURRENT_TIMESTAMP)
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM cursors`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rolled-back insert still visible, %d rows", n)
	}
}

func TestWithTxCommits(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (peer_device_id, entity_type, direction, position, updated_at)
			VALUES ('p', '', 'pull', 5, CURRENT_TIMESTAMP)
		`)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	var pos int64
	if err := st.DB().QueryRow(`SELECT position FROM cursors WHERE peer_device_id = 'p'`).Scan(&pos); err != nil {
		t.Fatal(err)
	}
	if pos != 5 {
		t.Fatalf("position = %d, want 5", pos)
	}
}
