// Package models defines the replicated data types shared across the sync
// engine: ops and their LWW clocks, pinned peers, cursors, sync attempts and
// the pairing payload. Callers outside the engine treat op payloads as opaque.
package models

import (
	"encoding/json"
	"time"
)

// Direction distinguishes the two cursor families kept per peer.
type Direction string

const (
	// DirectionPull tracks the remote peer's sequence we have durably applied.
	DirectionPull Direction = "pull"
	// DirectionPush tracks the local sequence the remote peer has acknowledged.
	DirectionPush Direction = "push"
)

// AllEntityTypes is the cursor key used when a sync cycle drains every
// entity type under a single watermark.
const AllEntityTypes = ""

// Op is the unit of replication: one immutable mutation (upsert or
// tombstone) of one entity, stamped with an LWW clock by its origin device.
type Op struct {
	// Seq is the position in the holding device's local log. It is local
	// bookkeeping, not part of the op's identity: the same op has a
	// different seq on every device that stores it. It travels on the wire
	// so pullers can advance cursors mid-page.
	Seq int64 `json:"seq,omitempty"`

	OpID       string          `json:"op_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Project    string          `json:"project,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Tombstone  bool            `json:"tombstone"`
	Clock      Clock           `json:"clock"`
}

// Peer is a pinned remote device. The fingerprint is recorded at pairing
// time and never changes except by re-pairing.
type Peer struct {
	DeviceID    string   `json:"device_id"`
	Fingerprint string   `json:"fingerprint"`
	PublicKey   []byte   `json:"public_key"`
	Name        string   `json:"name"`
	Addresses   []string `json:"addresses"`

	// StaticAddr is a configured stable address (e.g. a VPN hostname);
	// LastGoodAddr is the most recent address that answered a status probe.
	StaticAddr   string `json:"static_addr,omitempty"`
	LastGoodAddr string `json:"last_good_addr,omitempty"`

	ProjectInclude []string `json:"project_include,omitempty"`
	ProjectExclude []string `json:"project_exclude,omitempty"`

	LastSeenAt time.Time `json:"last_seen_at,omitzero"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`

	// LastServedSeq is the highest since-cursor this peer has presented on
	// an authenticated pull; used only for the status endpoint's pending
	// count, never for sync decisions.
	LastServedSeq int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Allowed reports whether ops attributed to project should sync with this
// peer. An empty include list admits everything; the exclude list is applied
// after. Ops with no project attribution always sync.
func (p *Peer) Allowed(project string) bool {
	if project == "" {
		return true
	}
	if len(p.ProjectInclude) > 0 && !contains(p.ProjectInclude, project) {
		return false
	}
	return !contains(p.ProjectExclude, project)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SyncAttempt is an append-only audit record of one sync cycle against one
// peer. Purely observational; nothing reads it to drive behavior.
type SyncAttempt struct {
	ID           int64     `json:"id"`
	PeerDeviceID string    `json:"peer_device_id"`
	Address      string    `json:"address"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// Sync attempt statuses.
const (
	AttemptRunning = "running"
	AttemptOK      = "ok"
	AttemptFailed  = "failed"
)

// PairingPayload is the out-of-band token contents exchanged to pin a peer.
type PairingPayload struct {
	DeviceID    string    `json:"device_id"`
	PublicKey   []byte    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	Addresses   []string  `json:"addresses"`
	IssuedAt    time.Time `json:"issued_at"`
}
