// Package pairing implements the one-shot out-of-band exchange that pins a
// new peer. Generate produces a token describing this device; Accept
// validates a token from another device and writes its registry entry.
// Each call pins one direction; mutual sync needs both devices to accept.
package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"memsync/internal/identity"
	"memsync/internal/models"
	"memsync/internal/registry"
)

// Tokens older than this are refused; re-generate rather than reuse stale
// payloads.
const maxTokenAge = 24 * time.Hour

type Service struct {
	id  *identity.Identity
	reg *registry.Registry

	// advertise returns the addresses embedded in generated tokens.
	advertise func() []string
}

func New(id *identity.Identity, reg *registry.Registry, advertise func() []string) *Service {
	if advertise == nil {
		advertise = func() []string { return nil }
	}
	return &Service{id: id, reg: reg, advertise: advertise}
}

// Generate produces the pairing token for this device: a base64url-encoded
// JSON payload carried out-of-band (copy/paste, QR). The private key never
// appears in it.
func (s *Service) Generate(_ context.Context) (string, *models.PairingPayload, error) {
	payload := &models.PairingPayload{
		DeviceID:    s.id.DeviceID,
		PublicKey:   s.id.PublicKey,
		Fingerprint: s.id.Fingerprint,
		Addresses:   s.advertise(),
		IssuedAt:    time.Now().UTC(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	return base64.RawURLEncoding.EncodeToString(b), payload, nil
}

// Accept validates a token from another device and pins it as a peer with
// the given name and project filters. Validation failures surface
// synchronously; nothing is persisted unless the whole payload checks out.
func (s *Service) Accept(ctx context.Context, token, name string, include, exclude []string) (*models.Peer, error) {
	payload, err := Decode(token)
	if err != nil {
		return nil, err
	}
	if payload.DeviceID == s.id.DeviceID {
		return nil, fmt.Errorf("refusing to pair a device with itself")
	}

	peer := &models.Peer{
		DeviceID:       payload.DeviceID,
		Fingerprint:    payload.Fingerprint,
		PublicKey:      payload.PublicKey,
		Name:           name,
		Addresses:      payload.Addresses,
		ProjectInclude: include,
		ProjectExclude: exclude,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.reg.Put(ctx, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// Decode parses and validates a pairing token's internal consistency: the
// fingerprint must match the embedded public key and the mandatory fields
// must be present and sane.
func Decode(token string) (*models.PairingPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("undecodable pairing token: %w", err)
	}
	var payload models.PairingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid pairing payload: %w", err)
	}
	switch {
	case payload.DeviceID == "":
		return nil, fmt.Errorf("pairing payload missing device_id")
	case len(payload.PublicKey) == 0:
		return nil, fmt.Errorf("pairing payload missing public_key")
	case payload.IssuedAt.IsZero():
		return nil, fmt.Errorf("pairing payload missing issued_at")
	case time.Since(payload.IssuedAt) > maxTokenAge:
		return nil, fmt.Errorf("pairing token expired (issued %s)", payload.IssuedAt.Format(time.RFC3339))
	case payload.IssuedAt.After(time.Now().Add(time.Hour)):
		return nil, fmt.Errorf("pairing token issued in the future")
	}
	if got := identity.Fingerprint(payload.PublicKey); got != payload.Fingerprint {
		return nil, fmt.Errorf("pairing fingerprint mismatch: payload says %s, key digests to %s", payload.Fingerprint, got)
	}
	return &payload, nil
}
