// Package discovery resolves a peer's reachable addresses. Backends are
// small capability-tagged resolvers tried in a fixed order; adding or
// removing one never touches daemon logic.
package discovery

import (
	"context"

	"memsync/internal/models"
)

// Resolver yields candidate addresses for a peer, best first. A resolver
// with nothing to offer returns an empty slice.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, peer *models.Peer) []string
}

// Chain tries its resolvers in order and concatenates their candidates,
// de-duplicated, preserving order. The daemon dials candidates front to
// back and stops at the first that answers a status probe.
type Chain struct {
	resolvers []Resolver
}

// NewChain builds a chain, skipping nil resolvers so an optional backend
// (LAN discovery) can simply be absent.
func NewChain(resolvers ...Resolver) *Chain {
	c := &Chain{}
	for _, r := range resolvers {
		if r != nil {
			c.resolvers = append(c.resolvers, r)
		}
	}
	return c
}

func (c *Chain) Resolve(ctx context.Context, peer *models.Peer) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range c.resolvers {
		for _, addr := range r.Resolve(ctx, peer) {
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// LastGood resolves to the address that most recently answered a status
// probe for the peer.
type LastGood struct{}

func (LastGood) Name() string { return "last-known-good" }

func (LastGood) Resolve(_ context.Context, peer *models.Peer) []string {
	if peer.LastGoodAddr == "" {
		return nil
	}
	return []string{peer.LastGoodAddr}
}

// Static resolves to the peer's configured stable address (e.g. a
// VPN-assigned hostname).
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Resolve(_ context.Context, peer *models.Peer) []string {
	if peer.StaticAddr == "" {
		return nil
	}
	return []string{peer.StaticAddr}
}

// Stored resolves to every other address on the peer record, in stored
// (recency) order.
type Stored struct{}

func (Stored) Name() string { return "stored" }

func (Stored) Resolve(_ context.Context, peer *models.Peer) []string {
	return peer.Addresses
}
