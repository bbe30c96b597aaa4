// Package bitswap implements the exchange façade: the client-facing
// surface that wraps the want-list queue, peer-request queue, blockstore,
// routing table and engine workers into GetBlock/HasBlock/Close.
package bitswap

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dannyzb/bitswap/blockstore"
	"github.com/dannyzb/bitswap/cid"
	"github.com/dannyzb/bitswap/internal/engine"
	"github.com/dannyzb/bitswap/internal/network"
	"github.com/dannyzb/bitswap/internal/peerqueue"
	"github.com/dannyzb/bitswap/internal/stats"
	"github.com/dannyzb/bitswap/internal/wantlist"
	"github.com/dannyzb/bitswap/peerstore"
	"github.com/dannyzb/bitswap/routing"
	"github.com/dannyzb/bitswap/session"
)

// ErrTimeout is returned by GetBlock when no block arrives within its
// budget.
var ErrTimeout = errors.New("bitswap: timeout")

// ErrNotImplemented is returned by GetBlocks, which is left unimplemented
// pending a batched want-list redesign.
var ErrNotImplemented = errors.New("bitswap: GetBlocks not implemented")

const getBlockTimeout = 60 * time.Second

// ClientConfig holds the collaborators an Exchange is built from. Routing,
// Blocks and Dial are swappable so tests can run the whole exchange against
// in-memory fakes.
type ClientConfig struct {
	Blocks  blockstore.Blockstore
	Routing routing.Routing
	Dial    network.Dialer
	Logger  log.Logger
}

// Exchange is the bitswap client: GetBlock/HasBlock/GetBlocks/Close, backed
// by the want-list queue, peer-request queue, peerstore and the engine's two
// workers.
type Exchange struct {
	wantList *wantlist.Queue
	peerReqs *peerqueue.Queue
	peers    *peerstore.Store
	blocks   blockstore.Blockstore
	net      *network.Network
	engine   *engine.Engine
	logger   log.Logger
	stats    stats.Counters

	cancelRun context.CancelFunc
}

// NewExchange builds an Exchange from cfg but does not start its workers;
// call Run to start them.
func NewExchange(cfg ClientConfig) *Exchange {
	wl := wantlist.New()
	reqs := peerqueue.New()
	peers := peerstore.New()

	x := &Exchange{
		wantList: wl,
		peerReqs: reqs,
		peers:    peers,
		blocks:   cfg.Blocks,
		logger:   cfg.Logger,
	}

	net := &network.Network{
		Peers:    peers,
		PeerReqs: reqs,
		// A block arriving over the wire is persisted into the Blockstore
		// exactly like a locally-originated HasBlock call, not just used
		// to wake a local waiter: a relay hop to a remote requester and a
		// later local provider answer both depend on it being findable
		// afterward, not merely delivered once.
		HasBlock: func(c cid.Cid, data []byte) {
			if err := x.HasBlock(c, data); err != nil {
				cfg.Logger.Levelf(log.Debug, "bitswap: persisting received block %s: %v", c, err)
			}
		},
		Dial:     cfg.Dial,
		Logger:   cfg.Logger,
		WantList: wl,
		Stats:    &x.stats,
	}
	x.net = net

	x.engine = &engine.Engine{
		WantList: wl,
		PeerReqs: reqs,
		Peers:    peers,
		Blocks:   cfg.Blocks,
		Routing:  cfg.Routing,
		Net:      net,
		Logger:   cfg.Logger,
	}
	return x
}

// Run starts the engine's two background workers. It returns once they have
// both exited (normally only after Close).
func (x *Exchange) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	x.cancelRun = cancel
	return x.engine.Run(ctx)
}

// AddPeer catalogues a peer the exchange may dial or accept connections
// from. The connection-acceptance loop itself is out of scope here; callers
// that run one hand each accepted Session to the exchange with AddSession.
func (x *Exchange) AddPeer(id, addr string) {
	x.peers.Upsert(id, addr)
}

// SetConnected records that id's connection transitioned, for peers whose
// Session was established outside of Send's own dial path (e.g. an inbound
// connection accepted by the caller's listener loop).
func (x *Exchange) SetConnected(id string, connected bool) {
	x.peers.SetConnected(id, connected)
}

// AddSession registers an inbound Session for peer id and marks it
// connected, handing an accepted connection to the network layer. Accepting
// the connection itself is the caller's job; this is the glue that lets the
// peer worker start reading and writing on it.
func (x *Exchange) AddSession(id, addr string, s session.Session) {
	x.peers.Upsert(id, addr)
	x.net.SetSession(id, s)
	x.peers.SetConnected(id, true)
}

// GetBlock registers a LOCAL want and waits up to 60 seconds for the engine
// to resolve it, returning a copy of the block. Waiting is driven by the
// entry's own completion channel rather than polling, so the wait returns
// the instant the engine calls Satisfy rather than up to a second late.
func (x *Exchange) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	want := wantlist.Session{Kind: wantlist.Local}
	entry := x.wantList.Add(c, want)

	timer := time.NewTimer(getBlockTimeout)
	defer timer.Stop()

	select {
	case <-entry.Arrived():
		data := append([]byte(nil), entry.Block.Value...)
		x.wantList.Remove(c, want)
		return data, nil
	case <-timer.C:
		x.wantList.Remove(c, want)
		return nil, ErrTimeout
	case <-ctx.Done():
		x.wantList.Remove(c, want)
		return nil, ctx.Err()
	}
}

// HasBlock inserts data into the Blockstore under c, then satisfies any
// matching want-list entry, waking GetBlock waiters.
func (x *Exchange) HasBlock(c cid.Cid, data []byte) error {
	if err := x.blocks.Put(blockstore.Block{Cid: c, Data: data}); err != nil {
		return errors.Wrap(err, "bitswap: put block")
	}
	x.hasBlock(c, data)
	return nil
}

func (x *Exchange) hasBlock(c cid.Cid, data []byte) {
	if e := x.wantList.Find(c); e != nil {
		e.Satisfy(append([]byte(nil), data...))
	}
}

// Stats returns a point-in-time snapshot of blocks/bytes actually sent and
// received over the wire.
func (x *Exchange) Stats() stats.Counters {
	return x.stats.Snapshot()
}

// GetBlocks is logically GetBlock for each CID in cids, but batching the
// want-list registration and the wait loop across many CIDs at once is
// left for a later redesign; call GetBlock per-CID until then.
func (x *Exchange) GetBlocks(ctx context.Context, cids []cid.Cid) ([][]byte, error) {
	return nil, ErrNotImplemented
}

// Close sets shutting_down and cancels the context Run is using, then
// returns. It does not wait for the workers to exit (Run returns once they
// have) and does not clear either queue.
func (x *Exchange) Close() error {
	x.engine.Close()
	if x.cancelRun != nil {
		x.cancelRun()
	}
	return nil
}
