package bitswap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/bitswap/blockstore"
	"github.com/dannyzb/bitswap/cid"
	"github.com/dannyzb/bitswap/internal/network"
	"github.com/dannyzb/bitswap/routing"
	"github.com/dannyzb/bitswap/session"
)

// swarm is an in-process network of Exchanges connected by net.Pipe, used to
// drive end-to-end scenarios without a real TCP listener: dialing peer id
// hands the dialed Exchange one end of a fresh pipe via AddSession and
// returns the other end to the caller, the same hand-off a real accept loop
// performs.
type swarm struct {
	nodes map[string]*Exchange
}

func newSwarm() *swarm {
	return &swarm{nodes: make(map[string]*Exchange)}
}

func (s *swarm) dialerFor(selfID string) network.Dialer {
	return func(ctx context.Context, addr string) (session.Session, error) {
		target := s.nodes[addr]
		a, b := net.Pipe()
		target.AddSession(selfID, selfID, session.NewTCP(a))
		return session.NewTCP(b), nil
	}
}

// add builds a fresh Exchange for id, registers it in the swarm, and starts
// its workers against ctx.
func (s *swarm) add(ctx context.Context, id string, rt routing.Routing, blocks blockstore.Blockstore) *Exchange {
	x := NewExchange(ClientConfig{
		Blocks:  blocks,
		Routing: rt,
		Dial:    s.dialerFor(id),
		Logger:  log.Default,
	})
	s.nodes[id] = x
	go x.Run(ctx)
	return x
}

func mustCid(t *testing.T, data string) cid.Cid {
	t.Helper()
	c, err := cid.Sum(1, 0x55, []byte(data), 0x12)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTwoPeerFetch(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := mustCid(t, "hello\n")
	s := newSwarm()

	p1 := s.add(ctx, "P1", routing.NewMemory(), blockstore.NewMemory())
	c.Assert(p1.HasBlock(want, []byte("hello\n")), qt.IsNil)

	p2 := s.add(ctx, "P2", routing.NewMemory("P1"), blockstore.NewMemory())
	p2.AddPeer("P1", "P1")

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel()
	data, err := p2.GetBlock(fetchCtx, want)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "hello\n")
}

func TestThreePeerTransitiveFetch(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := mustCid(t, "hello\n")
	s := newSwarm()

	p1 := s.add(ctx, "P1", routing.NewMemory(), blockstore.NewMemory())
	c.Assert(p1.HasBlock(want, []byte("hello\n")), qt.IsNil)

	p2Routing := routing.NewMemory("P1")
	p2 := s.add(ctx, "P2", p2Routing, blockstore.NewMemory())
	p2.AddPeer("P1", "P1")

	// Scenario 2 happening first primes P2's own blockstore with the
	// block, the same way a real swarm accumulates copies as peers fetch.
	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := p2.GetBlock(fetchCtx, want)
	fetchCancel()
	c.Assert(err, qt.IsNil)

	// P3 is bootstrapped from P1 only and has never been told about P2.
	p3Routing := routing.NewMemory("P1")
	p3 := s.add(ctx, "P3", p3Routing, blockstore.NewMemory())
	p3.AddPeer("P1", "P1")

	// P3's routing walk against P1 surfaces P2 as a provider: the DHT
	// protocol that would make this happen against a live P1 is out of
	// scope, so the test drives the discovery directly, the same stand-in
	// Memory.Announce's own doc comment describes.
	p3Routing.Announce("P2", want)

	providers, err := p3Routing.FindProviders(ctx, want)
	c.Assert(err, qt.IsNil)
	foundP2 := false
	for _, p := range providers {
		if p == "P2" {
			foundP2 = true
		}
	}
	c.Assert(foundP2, qt.IsTrue)

	fetchCtx2, fetchCancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel2()
	data, err := p3.GetBlock(fetchCtx2, want)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "hello\n")
}

func TestReciprocalWant(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wantA := mustCid(t, "from-p1\n")
	wantB := mustCid(t, "from-p2\n")
	s := newSwarm()

	// P1 bootstraps knowing P2 (so P1's own want for wantB resolves via
	// routing), and holds wantA.
	p1 := s.add(ctx, "P1", routing.NewMemory("P2"), blockstore.NewMemory())
	c.Assert(p1.HasBlock(wantA, []byte("from-p1\n")), qt.IsNil)

	// P2 bootstraps knowing P1, and holds wantB.
	p2 := s.add(ctx, "P2", routing.NewMemory("P1"), blockstore.NewMemory())
	p2.AddPeer("P1", "P1")
	c.Assert(p2.HasBlock(wantB, []byte("from-p2\n")), qt.IsNil)

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel()

	type result struct {
		data []byte
		err  error
	}
	p1Result := make(chan result, 1)
	go func() {
		data, err := p1.GetBlock(fetchCtx, wantB)
		p1Result <- result{data, err}
	}()

	// While P1 is waiting on wantB from P2, P2 concurrently waits on
	// wantA from P1 — the two fetches are in flight at the same time,
	// each peer simultaneously a requester and a provider.
	data, err := p2.GetBlock(fetchCtx, wantA)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "from-p1\n")

	got := <-p1Result
	c.Assert(got.err, qt.IsNil)
	c.Assert(string(got.data), qt.Equals, "from-p2\n")
}
