package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"memsync/internal/identity"
	"memsync/internal/models"
	"memsync/internal/registry"
	"memsync/internal/store"
)

func newTestService(t *testing.T) (*Service, *registry.Registry, *identity.Identity) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(st)
	return New(id, reg, func() []string { return []string{"192.168.1.9:7411"} }), reg, id
}

func TestGenerateAcceptRoundTrip(t *testing.T) {
	svcA, _, idA := newTestService(t)
	svcB, regB, _ := newTestService(t)
	ctx := context.Background()

	token, payload, err := svcA.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if payload.DeviceID != idA.DeviceID || payload.Fingerprint != idA.Fingerprint {
		t.Fatalf("payload describes wrong device: %+v", payload)
	}

	peer, err := svcB.Accept(ctx, token, "alice laptop", []string{"work"}, []string{"secret"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if peer.DeviceID != idA.DeviceID {
		t.Fatalf("pinned wrong device %s", peer.DeviceID)
	}

	stored, err := regB.Get(ctx, idA.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Fingerprint != idA.Fingerprint {
		t.Fatal("fingerprint not pinned")
	}
	if len(stored.Addresses) != 1 || stored.Addresses[0] != "192.168.1.9:7411" {
		t.Fatalf("advertised addresses not stored: %v", stored.Addresses)
	}
	if stored.Name != "alice laptop" {
		t.Fatalf("name = %q", stored.Name)
	}
	if len(stored.ProjectInclude) != 1 || len(stored.ProjectExclude) != 1 {
		t.Fatalf("filters not stored: %v / %v", stored.ProjectInclude, stored.ProjectExclude)
	}
}

func TestAcceptRefusesSelfPair(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.Generate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Accept(ctx, token, "me", nil, nil); err == nil {
		t.Fatal("a device must not pair with itself")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("not!!valid!!base64url"); err == nil {
		t.Fatal("undecodable token must be rejected")
	}
	if _, err := Decode(base64.RawURLEncoding.EncodeToString([]byte("not json"))); err == nil {
		t.Fatal("non-JSON payload must be rejected")
	}
}

func encodePayload(t *testing.T, p models.PairingPayload) string {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestDecodeValidation(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	valid := models.PairingPayload{
		DeviceID:    id.DeviceID,
		PublicKey:   id.PublicKey,
		Fingerprint: id.Fingerprint,
		IssuedAt:    time.Now().UTC(),
	}
	if _, err := Decode(encodePayload(t, valid)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*models.PairingPayload)
	}{
		{"missing device_id", func(p *models.PairingPayload) { p.DeviceID = "" }},
		{"missing public_key", func(p *models.PairingPayload) { p.PublicKey = nil }},
		{"missing issued_at", func(p *models.PairingPayload) { p.IssuedAt = time.Time{} }},
		{"expired", func(p *models.PairingPayload) { p.IssuedAt = time.Now().Add(-48 * time.Hour) }},
		{"future issued", func(p *models.PairingPayload) { p.IssuedAt = time.Now().Add(6 * time.Hour) }},
		{"fingerprint mismatch", func(p *models.PairingPayload) { p.Fingerprint = "dead:beef:dead:beef" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := valid
			tc.mutate(&bad)
			if _, err := Decode(encodePayload(t, bad)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTokenOmitsPrivateKey(t *testing.T) {
	svc, _, id := newTestService(t)
	token, _, err := svc.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	if _, ok := fields["private_key"]; ok {
		t.Fatal("token leaks the private key")
	}
	// Sanity: the embedded public key really is the device's.
	payload, err := Decode(token)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload.PublicKey) != string(id.PublicKey) {
		t.Fatal("token carries a different public key")
	}
}
