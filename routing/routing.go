// Package routing defines the asynchronous provider-discovery and peer-
// liveness capability the exchange consumes.
// The DHT implementation itself is explicitly out of scope; this package
// only provides the interface and a small in-memory implementation usable
// for tests and private swarms bootstrapped by direct peer list.
package routing

import (
	"context"

	"github.com/dannyzb/bitswap/cid"
)

// Routing is the capability the want-list worker needs: find providers for
// a CID, and check whether a peer is alive.
type Routing interface {
	// FindProviders returns peers believed to hold the block named by c.
	// A routing failure is reported as an empty slice with a nil error
	// treated as no providers found; err is reserved for calls
	// that could never have found anything (e.g. ctx cancelled).
	FindProviders(ctx context.Context, c cid.Cid) ([]string, error)
	// Ping reports whether peer currently responds.
	Ping(ctx context.Context, peer string) bool
	// Bootstrap primes the routing table, e.g. from a static peer list.
	Bootstrap(ctx context.Context) bool
}

// Memory is a Routing implementation for tests and small private swarms: it
// tracks, for each peer it knows of, the CIDs that peer has announced
// holding, and answers FindProviders from that table plus any peers it was
// bootstrapped with (full peers are assumed to hold everything, modelling
// a bootstrap/seed node).
type Memory struct {
	peers      []string
	holdings   map[string][]cid.Cid // peer -> cids it announced
	fullPeers  map[string]bool      // peers assumed to hold everything
	liveness   map[string]bool
}

// NewMemory returns a Routing table seeded with the given bootstrap peers.
// Peers passed here are treated as "full" seeds (a node bootstrapped with
// bootstrapped with P1 as its only known peer).
func NewMemory(bootstrapPeers ...string) *Memory {
	m := &Memory{
		holdings:  make(map[string][]cid.Cid),
		fullPeers: make(map[string]bool),
		liveness:  make(map[string]bool),
	}
	for _, p := range bootstrapPeers {
		m.peers = append(m.peers, p)
		m.fullPeers[p] = true
		m.liveness[p] = true
	}
	return m
}

// Announce records that peer holds c, making it discoverable via
// FindProviders — the mechanism by which a transitively-discovered peer
// (scenario 3: P3 discovers P2 via routing) becomes visible.
func (m *Memory) Announce(peer string, c cid.Cid) {
	m.liveness[peer] = true
	known := false
	for _, have := range m.peers {
		if have == peer {
			known = true
			break
		}
	}
	if !known {
		m.peers = append(m.peers, peer)
	}
	m.holdings[peer] = append(m.holdings[peer], c)
}

// SetLive marks a peer's liveness for Ping.
func (m *Memory) SetLive(peer string, live bool) {
	m.liveness[peer] = live
}

func (m *Memory) FindProviders(ctx context.Context, c cid.Cid) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var out []string
	for _, p := range m.peers {
		if m.fullPeers[p] {
			out = append(out, p)
			continue
		}
		for _, have := range m.holdings[p] {
			if have.Equals(c) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context, peer string) bool {
	return m.liveness[peer]
}

func (m *Memory) Bootstrap(ctx context.Context) bool {
	return true
}
