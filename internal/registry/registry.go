// Package registry is the source of truth for known peers. Entries are
// created by pairing, mutated by discovery and the sync daemon, and removed
// only by explicit user action.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memsync/internal/models"
	"memsync/internal/store"
)

// ErrUnknownPeer marks a device id with no pinned registry entry.
var ErrUnknownPeer = errors.New("unknown peer")

type Registry struct {
	st *store.Store
}

func New(st *store.Store) *Registry {
	return &Registry{st: st}
}

// Put pins (or re-pins) a peer. Only the pairing flow calls this; re-pairing
// a known device replaces its fingerprint and key.
func (r *Registry) Put(ctx context.Context, p *models.Peer) error {
	if p.DeviceID == "" || p.Fingerprint == "" || len(p.PublicKey) == 0 {
		return fmt.Errorf("peer record incomplete")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.st.DB().ExecContext(ctx, `
		INSERT INTO peers (device_id, fingerprint, public_key, name, addresses, static_addr,
			project_include, project_exclude, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			public_key = excluded.public_key,
			name = excluded.name,
			addresses = excluded.addresses,
			static_addr = excluded.static_addr,
			project_include = excluded.project_include,
			project_exclude = excluded.project_exclude
	`, p.DeviceID, p.Fingerprint, p.PublicKey, p.Name, marshalList(p.Addresses), p.StaticAddr,
		marshalList(p.ProjectInclude), marshalList(p.ProjectExclude), p.CreatedAt)
	return err
}

// Get returns the pinned peer or ErrUnknownPeer.
func (r *Registry) Get(ctx context.Context, deviceID string) (*models.Peer, error) {
	row := r.st.DB().QueryRowContext(ctx, selectPeer+` WHERE device_id = ?`, deviceID)
	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, deviceID)
		}
		return nil, err
	}
	return p, nil
}

// List returns all pinned peers ordered by name then device id.
func (r *Registry) List(ctx context.Context) ([]models.Peer, error) {
	rows, err := r.st.DB().QueryContext(ctx, selectPeer+` ORDER BY name, device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

// Remove deletes the peer and its cursors.
func (r *Registry) Remove(ctx context.Context, deviceID string) error {
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cursors WHERE peer_device_id = ?`, deviceID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE device_id = ?`, deviceID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, deviceID)
		}
		return nil
	})
}

// MarkSeen records that the peer answered at addr just now. addr is promoted
// to the front of the stored address list.
func (r *Registry) MarkSeen(ctx context.Context, deviceID, addr string) error {
	p, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	addrs := promote(p.Addresses, addr)
	_, err = r.st.DB().ExecContext(ctx, `
		UPDATE peers SET addresses = ?, last_seen_at = ? WHERE device_id = ?
	`, marshalList(addrs), time.Now().UTC(), deviceID)
	return err
}

// SetLastGood persists addr as the peer's last-known-good address.
func (r *Registry) SetLastGood(ctx context.Context, deviceID, addr string) error {
	_, err := r.st.DB().ExecContext(ctx, `
		UPDATE peers SET last_good_addr = ? WHERE device_id = ?
	`, addr, deviceID)
	return err
}

// RecordSyncResult updates the peer's sync outcome fields after a cycle.
func (r *Registry) RecordSyncResult(ctx context.Context, deviceID string, syncErr error) error {
	now := time.Now().UTC()
	if syncErr != nil {
		_, err := r.st.DB().ExecContext(ctx, `
			UPDATE peers SET last_error = ? WHERE device_id = ?
		`, syncErr.Error(), deviceID)
		return err
	}
	_, err := r.st.DB().ExecContext(ctx, `
		UPDATE peers SET last_error = '', last_sync_at = ? WHERE device_id = ?
	`, now, deviceID)
	return err
}

// RecordServedPull remembers the highest since-cursor the peer presented on
// an authenticated pull; feeds the status endpoint's pending count only.
func (r *Registry) RecordServedPull(ctx context.Context, deviceID string, since int64) error {
	_, err := r.st.DB().ExecContext(ctx, `
		UPDATE peers SET last_served_seq = ? WHERE device_id = ? AND last_served_seq < ?
	`, since, deviceID, since)
	return err
}

// SetFilters replaces the peer's project include/exclude lists.
func (r *Registry) SetFilters(ctx context.Context, deviceID string, include, exclude []string) error {
	_, err := r.st.DB().ExecContext(ctx, `
		UPDATE peers SET project_include = ?, project_exclude = ? WHERE device_id = ?
	`, marshalList(include), marshalList(exclude), deviceID)
	return err
}

const selectPeer = `
	SELECT device_id, fingerprint, public_key, name, addresses, static_addr, last_good_addr,
	       project_include, project_exclude, last_seen_at, last_sync_at, last_served_seq,
	       last_error, created_at
	FROM peers`

func scanPeer(row interface{ Scan(dest ...any) error }) (*models.Peer, error) {
	var p models.Peer
	var addrs, include, exclude string
	var lastSeen, lastSync sql.NullTime
	if err := row.Scan(&p.DeviceID, &p.Fingerprint, &p.PublicKey, &p.Name, &addrs, &p.StaticAddr,
		&p.LastGoodAddr, &include, &exclude, &lastSeen, &lastSync, &p.LastServedSeq,
		&p.LastError, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Addresses = unmarshalList(addrs)
	p.ProjectInclude = unmarshalList(include)
	p.ProjectExclude = unmarshalList(exclude)
	if lastSeen.Valid {
		p.LastSeenAt = lastSeen.Time
	}
	if lastSync.Valid {
		p.LastSyncAt = lastSync.Time
	}
	return &p, nil
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(s string) []string {
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil || len(list) == 0 {
		return nil
	}
	return list
}

const maxStoredAddresses = 8

func promote(addrs []string, addr string) []string {
	out := []string{addr}
	for _, a := range addrs {
		if a != addr && len(out) < maxStoredAddresses {
			out = append(out, a)
		}
	}
	return out
}
