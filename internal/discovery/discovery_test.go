package discovery

import (
	"context"
	"testing"

	"memsync/internal/models"
)

type fakeResolver struct {
	name  string
	addrs []string
}

func (f fakeResolver) Name() string { return f.name }

func (f fakeResolver) Resolve(context.Context, *models.Peer) []string { return f.addrs }

func TestChainOrderAndDedup(t *testing.T) {
	chain := NewChain(
		fakeResolver{name: "one", addrs: []string{"a:1", "b:1"}},
		fakeResolver{name: "two", addrs: []string{"b:1", "", "c:1"}},
		fakeResolver{name: "three", addrs: nil},
	)

	got := chain.Resolve(context.Background(), &models.Peer{})
	want := []string{"a:1", "b:1", "c:1"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestNewChainSkipsNilResolvers(t *testing.T) {
	chain := NewChain(nil, fakeResolver{name: "only", addrs: []string{"a:1"}}, nil)
	got := chain.Resolve(context.Background(), &models.Peer{})
	if len(got) != 1 || got[0] != "a:1" {
		t.Fatalf("candidates = %v", got)
	}
}

func TestBuiltinResolvers(t *testing.T) {
	peer := &models.Peer{
		LastGoodAddr: "good:7411",
		StaticAddr:   "vpn.example:7411",
		Addresses:    []string{"stored-1:7411", "stored-2:7411"},
	}
	ctx := context.Background()

	if got := (LastGood{}).Resolve(ctx, peer); len(got) != 1 || got[0] != "good:7411" {
		t.Fatalf("LastGood = %v", got)
	}
	if got := (Static{}).Resolve(ctx, peer); len(got) != 1 || got[0] != "vpn.example:7411" {
		t.Fatalf("Static = %v", got)
	}
	if got := (Stored{}).Resolve(ctx, peer); len(got) != 2 {
		t.Fatalf("Stored = %v", got)
	}

	empty := &models.Peer{}
	if got := (LastGood{}).Resolve(ctx, empty); got != nil {
		t.Fatalf("LastGood on empty peer = %v", got)
	}
	if got := (Static{}).Resolve(ctx, empty); got != nil {
		t.Fatalf("Static on empty peer = %v", got)
	}
}

// The daemon's dial order: a LAN sighting outranks the last good address,
// which outranks the configured static one, which outranks stored history.
func TestDefaultChainPreference(t *testing.T) {
	peer := &models.Peer{
		LastGoodAddr: "good:7411",
		StaticAddr:   "vpn.example:7411",
		Addresses:    []string{"good:7411", "stored:7411"},
	}
	lan := fakeResolver{name: "lan", addrs: []string{"lan:7411"}}
	chain := NewChain(lan, LastGood{}, Static{}, Stored{})

	got := chain.Resolve(context.Background(), peer)
	want := []string{"lan:7411", "good:7411", "vpn.example:7411", "stored:7411"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}
