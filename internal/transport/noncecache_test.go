package transport

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestCanonicalCoversEveryField(t *testing.T) {
	base := Canonical("GET", "/v1/ops?since=0", []byte(`{}`), "1700000000", "n1")

	variants := [][]byte{
		Canonical("POST", "/v1/ops?since=0", []byte(`{}`), "1700000000", "n1"),
		Canonical("GET", "/v1/ops?since=1", []byte(`{}`), "1700000000", "n1"),
		Canonical("GET", "/v1/ops?since=0", []byte(`{"x":1}`), "1700000000", "n1"),
		Canonical("GET", "/v1/ops?since=0", []byte(`{}`), "1700000001", "n1"),
		Canonical("GET", "/v1/ops?since=0", []byte(`{}`), "1700000000", "n2"),
	}
	for i, v := range variants {
		if bytes.Equal(base, v) {
			t.Fatalf("variant %d did not change the canonical string", i)
		}
	}
	if !bytes.Equal(base, Canonical("GET", "/v1/ops?since=0", []byte(`{}`), "1700000000", "n1")) {
		t.Fatal("canonical string must be deterministic")
	}
}

func TestNonceCacheRejectsReplay(t *testing.T) {
	c := NewNonceCache(time.Minute)
	if !c.Remember("peer:n1") {
		t.Fatal("first sighting must be fresh")
	}
	if c.Remember("peer:n1") {
		t.Fatal("second sighting inside the TTL must be rejected")
	}
	if !c.Remember("peer:n2") {
		t.Fatal("a different nonce must be fresh")
	}
}

func TestNonceCacheExpires(t *testing.T) {
	c := NewNonceCache(20 * time.Millisecond)
	if !c.Remember("peer:n1") {
		t.Fatal("first sighting must be fresh")
	}
	time.Sleep(40 * time.Millisecond)
	if !c.Remember("peer:n1") {
		t.Fatal("expired nonce must be accepted again")
	}
}

func TestNonceCacheStaysBounded(t *testing.T) {
	c := NewNonceCache(time.Hour)
	for i := 0; i < maxNonceEntries+100; i++ {
		c.Remember(fmt.Sprintf("peer:n%d", i))
	}
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	if n > maxNonceEntries {
		t.Fatalf("cache grew to %d entries, cap is %d", n, maxNonceEntries)
	}
}
