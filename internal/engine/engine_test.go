package engine

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/bitswap/blockstore"
	"github.com/dannyzb/bitswap/cid"
	"github.com/dannyzb/bitswap/internal/network"
	"github.com/dannyzb/bitswap/internal/peerqueue"
	"github.com/dannyzb/bitswap/internal/wantlist"
	"github.com/dannyzb/bitswap/peerstore"
	"github.com/dannyzb/bitswap/routing"
)

func mustCid(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := cid.Sum(1, 0x55, []byte(s), 0x12)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestWantListWorkerResolvesLocalHit(t *testing.T) {
	c := qt.New(t)
	blocks := blockstore.NewMemory()
	x := mustCid(t, "hello")
	c.Assert(blocks.Put(blockstore.Block{Cid: x, Data: []byte("hello\n")}), qt.IsNil)

	wl := wantlist.New()
	entry := wl.Add(x, wantlist.Session{Kind: wantlist.Local})

	peers := peerstore.New()
	reqs := peerqueue.New()
	net := &network.Network{Peers: peers, PeerReqs: reqs, HasBlock: func(cid.Cid, []byte) {}, Logger: log.Default}

	e := &Engine{
		WantList: wl,
		PeerReqs: reqs,
		Peers:    peers,
		Blocks:   blocks,
		Routing:  routing.NewMemory(),
		Net:      net,
		Logger:   log.Default,
	}

	e.processWantListEntry(context.Background(), entry)
	c.Assert(entry.Block.Ok, qt.IsTrue)
	c.Assert(string(entry.Block.Value), qt.Equals, "hello\n")
}

func TestEngineRunStopsOnClose(t *testing.T) {
	c := qt.New(t)
	peers := peerstore.New()
	reqs := peerqueue.New()
	net := &network.Network{Peers: peers, PeerReqs: reqs, HasBlock: func(cid.Cid, []byte) {}, Logger: log.Default}

	e := &Engine{
		WantList: wantlist.New(),
		PeerReqs: reqs,
		Peers:    peers,
		Blocks:   blockstore.NewMemory(),
		Routing:  routing.NewMemory(),
		Net:      net,
		Logger:   log.Default,
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	e.Close()

	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after Close")
	}
}
