// Package identity owns this device's keypair: generation, persistence,
// fingerprinting and request signing. Verification of peer signatures lives
// here too so the cryptographic primitive stays behind one narrow surface.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"memsync/internal/store"
)

// Identity is this device's stable, locally-held identity. The private key
// never leaves the process; everything else appears in pairing payloads.
type Identity struct {
	DeviceID    string
	Fingerprint string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	CreatedAt   time.Time
}

// ID satisfies the transport's Signer interface.
func (id *Identity) ID() string { return id.DeviceID }

// Sign signs msg with the device private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify reports whether sig is a valid signature of msg under pub. A key of
// the wrong size never verifies.
func Verify(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// Fingerprint returns the short human-verifiable digest of a public key:
// the first 8 bytes of sha256(pub), hex, colon-grouped per 2 bytes.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:8])
	parts := make([]string, 0, 4)
	for i := 0; i < len(h); i += 4 {
		parts = append(parts, h[i:i+4])
	}
	return strings.Join(parts, ":")
}

// Generate creates a fresh device identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{
		DeviceID:    uuid.New().String(),
		Fingerprint: Fingerprint(pub),
		PublicKey:   pub,
		PrivateKey:  priv,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Load reads the stored identity, or store.ErrNotFound if the device has
// never been enabled.
func Load(ctx context.Context, st *store.Store) (*Identity, error) {
	row := st.DB().QueryRowContext(ctx, `
		SELECT device_id, public_key, private_key, fingerprint, created_at
		FROM device LIMIT 1
	`)
	var id Identity
	var pub, priv []byte
	if err := row.Scan(&id.DeviceID, &pub, &priv, &id.Fingerprint, &id.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	id.PublicKey = ed25519.PublicKey(pub)
	id.PrivateKey = ed25519.PrivateKey(priv)
	return &id, nil
}

// Ensure loads the identity, generating and persisting one on first run.
func Ensure(ctx context.Context, st *store.Store) (*Identity, error) {
	id, err := Load(ctx, st)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := save(ctx, st, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Rotate destroys the current identity and creates a new one. Every existing
// pairing is invalidated: peers still pin the old key and will reject this
// device until re-paired.
func Rotate(ctx context.Context, st *store.Store) (*Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device`); err != nil {
			return err
		}
		return insertTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func save(ctx context.Context, st *store.Store, id *Identity) error {
	return st.WithTx(ctx, func(tx *sql.Tx) error {
		return insertTx(ctx, tx, id)
	})
}

func insertTx(ctx context.Context, tx *sql.Tx, id *Identity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device (device_id, public_key, private_key, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.DeviceID, []byte(id.PublicKey), []byte(id.PrivateKey), id.Fingerprint, id.CreatedAt)
	return err
}
