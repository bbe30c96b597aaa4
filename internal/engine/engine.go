// Package engine runs the two background workers: the
// want-list worker (drives local and remote wants toward Routing lookups
// and Blockstore hits) and the peer worker (sweeps connected peers,
// receiving and sending bitswap messages).
package engine

import (
	"context"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/dannyzb/bitswap/blockstore"
	"github.com/dannyzb/bitswap/cid"
	"github.com/dannyzb/bitswap/internal/network"
	"github.com/dannyzb/bitswap/internal/peerqueue"
	"github.com/dannyzb/bitswap/internal/wantlist"
	"github.com/dannyzb/bitswap/message"
	"github.com/dannyzb/bitswap/peerstore"
	"github.com/dannyzb/bitswap/routing"
)

const (
	wantlistIdleBackoff = 2 * time.Second
	peerReadTimeout     = time.Second
	peerIdleBackoff     = time.Second
)

// Engine owns the two workers and the shared shutting_down flag they watch.
// Workers are started by Run and coordinated with an errgroup, for
// supervising a fixed set of goroutines that must all exit cleanly
// together.
type Engine struct {
	WantList *wantlist.Queue
	PeerReqs *peerqueue.Queue
	Peers    *peerstore.Store
	Blocks   blockstore.Blockstore
	Routing  routing.Routing
	Net      *network.Network
	Logger   log.Logger

	shuttingDown chansync.SetOnce
}

// Close sets shutting_down; Run's goroutines observe it at their next
// suspension point and return.
func (e *Engine) Close() {
	e.shuttingDown.Set()
}

// Run starts both workers and blocks until both have exited, either because
// Close was called or because ctx was cancelled.
func (e *Engine) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return e.runWantListWorker(ctx) })
	grp.Go(func() error { return e.runPeerWorker(ctx) })
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-e.shuttingDown.Done():
		}
	}()
	return grp.Wait()
}

func (e *Engine) runWantListWorker(ctx context.Context) error {
	for {
		select {
		case <-e.shuttingDown.Done():
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		entry := e.WantList.Pop()
		if entry == nil {
			select {
			case <-time.After(wantlistIdleBackoff):
			case <-e.shuttingDown.Done():
				return nil
			case <-ctx.Done():
				return nil
			}
			continue
		}
		e.processWantListEntry(ctx, entry)
	}
}

func (e *Engine) processWantListEntry(ctx context.Context, entry *wantlist.Entry) {
	blk, hit, err := e.Blocks.Get(entry.Cid)
	if err != nil {
		e.Logger.Levelf(log.Debug, "engine: blockstore get %s: %v", entry.Cid, err)
	}

	if !hit && entry.HasLocalSession() {
		providers, err := e.Routing.FindProviders(ctx, entry.Cid)
		if err != nil {
			e.Logger.Levelf(log.Debug, "engine: find providers for %s: %v", entry.Cid, err)
		}
		for _, p := range providers {
			// A provider surfaced by routing may never have been seen
			// before (a transitively-discovered peer); catalogue it so
			// the send path below can actually dial it.
			e.Peers.Upsert(p, p)
			req := e.PeerReqs.FindOrAdd(p)
			req.AddCidWeWant(entry.Cid)
			e.drainPeerRequest(ctx, p, req)
		}
		entry.AskedNetwork = true
	}

	if hit {
		entry.Satisfy(blk.Data)
	}

	if peer, ok := entry.HasRemoteSession(); ok && entry.Block.Ok {
		req := e.PeerReqs.FindOrAdd(peer)
		req.AddBlockToSend(peerqueue.Block{
			Cid:    entry.Cid,
			Prefix: entry.Cid.Encode(),
			Data:   entry.Block.Value,
		})
	}
}

func (e *Engine) runPeerWorker(ctx context.Context) error {
	for {
		select {
		case <-e.shuttingDown.Done():
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		didWork := false
		// SweepOrder visits connected peers in round-robin order, so a
		// peer parked at a low slot index doesn't get polled every
		// iteration at everyone else's expense.
		for _, peerID := range e.Peers.SweepOrder() {
			if e.pollPeerConnection(peerID) {
				didWork = true
			}
		}
		// Outstanding peer requests are walked separately: a request may
		// need to trigger an outbound dial for a peer that isn't
		// CONNECTED yet (e.g. one just discovered via routing).
		for _, peer := range e.Peers.All() {
			if req := e.PeerReqs.Find(peer.ID); req != nil {
				if e.processPeerRequest(ctx, peer.ID, req) {
					didWork = true
				}
			}
		}

		if !didWork {
			select {
			case <-time.After(peerIdleBackoff):
			case <-e.shuttingDown.Done():
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// pollPeerConnection implements the peek/read half of the peer worker's
// per-iteration step.
func (e *Engine) pollPeerConnection(peerID string) bool {
	sess, ok := e.Net.SessionFor(peerID)
	if !ok {
		return false
	}
	n := sess.Peek()
	if n < 0 {
		e.Peers.SetConnected(peerID, false)
		return false
	}
	if n == 0 {
		return false
	}
	payload, ok := sess.Read(peerReadTimeout)
	if !ok {
		e.Peers.SetConnected(peerID, false)
		return false
	}
	e.Net.HandleMessage(peerID, payload)
	return true
}

// processPeerRequest implements process_entry: resolve what's sendable from
// the blockstore, then flush a message if anything is outstanding.
func (e *Engine) processPeerRequest(ctx context.Context, peerID string, req *peerqueue.Request) bool {
	req.ResolveFromBlockstore(func(c cid.Cid) ([]byte, []byte, bool) {
		blk, hit, err := e.Blocks.Get(c)
		if err != nil || !hit {
			return nil, nil, false
		}
		return blk.Data, c.Encode(), true
	})

	if !req.HasPendingSends() && !req.HasBlocksToSend() {
		return false
	}

	m := &message.Message{}
	for _, b := range req.TakeBlocksToSend() {
		m.Payload = append(m.Payload, message.Block{Prefix: b.Prefix, Data: b.Data})
	}
	var entries []message.Entry
	for _, ce := range req.CidsWeWantSnapshot() {
		if ce.PendingSend() {
			entries = append(entries, message.Entry{Cid: ce.Cid, Priority: 1, Cancel: ce.Cancel()})
			ce.MarkRequestSent()
			if ce.Cancel() {
				ce.MarkCancelSent()
			}
		}
	}
	if len(entries) > 0 {
		m.Wantlist = &message.Wantlist{Entries: entries}
	}
	if len(m.Payload) == 0 && m.Wantlist == nil {
		return false
	}
	if err := e.Net.Send(ctx, peerID, m); err != nil {
		e.Logger.Levelf(log.Debug, "engine: send to %s: %v", peerID, err)
	}
	return true
}

func (e *Engine) drainPeerRequest(ctx context.Context, peerID string, req *peerqueue.Request) {
	e.processPeerRequest(ctx, peerID, req)
}
