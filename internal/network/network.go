// Package network frames a bitswap message with its
// protocol header for send, and parsing/dispatching an inbound frame's
// decoded wantlist and payload entries into the want-list queue and the
// sending peer's PeerRequest.
package network

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/dannyzb/bitswap/cid"
	"github.com/dannyzb/bitswap/internal/peerqueue"
	"github.com/dannyzb/bitswap/internal/stats"
	"github.com/dannyzb/bitswap/internal/wantlist"
	"github.com/dannyzb/bitswap/message"
	"github.com/dannyzb/bitswap/peerstore"
	"github.com/dannyzb/bitswap/session"
)

// ErrNotConnected is returned by Send when the peer cannot be dialled
// within its connect budget.
var ErrNotConnected = errors.New("network: peer not connected")

// ErrTransport is returned by Send on a short write.
var ErrTransport = errors.New("network: short write")

const connectBudget = 10 * time.Second

// Dialer opens a Session to addr. Supplied by the caller so network stays
// agnostic to the concrete transport (tcp, in-memory pipe for tests, ...).
type Dialer func(ctx context.Context, addr string) (session.Session, error)

// HasBlockFunc matches the exchange façade's HasBlock: insert into the
// Blockstore and satisfy any matching want-list entry.
type HasBlockFunc func(cid.Cid, []byte)

// Network glues the wire codec to the peer-request queue and the
// peerstore.
type Network struct {
	Peers    *peerstore.Store
	PeerReqs *peerqueue.Queue
	HasBlock HasBlockFunc
	Dial     Dialer
	Logger   log.Logger

	// WantList, if set, receives a REMOTE session entry for every live
	// wantlist want a peer sends us, and has that session removed on
	// cancel. This is what lets the want-list worker notice a remote peer
	// is waiting on a CID and forward a block back once it arrives (a
	// relay hop), rather than only ever satisfying LOCAL callers.
	WantList *wantlist.Queue

	// Stats, if set, is incremented with blocks/bytes actually written and
	// read by Send and HandleMessage.
	Stats *stats.Counters

	mu       sync.Mutex
	sessions map[string]session.Session
}

// Send implements send_message(peer, message): connect if necessary within
// a 10-second budget, then write the framed message.
func (n *Network) Send(ctx context.Context, peer string, m *message.Message) error {
	p, ok := n.Peers.Get(peer)
	if !ok {
		return ErrNotConnected
	}

	sess, ok := n.getSession(peer)
	if !ok || p.State != peerstore.Connected {
		var err error
		sess, err = n.connect(ctx, peer)
		if err != nil {
			return ErrNotConnected
		}
	}

	buf := message.EncodeFramed(m)
	written := sess.Write(buf)
	if written <= 0 {
		n.Peers.SetConnected(peer, false)
		n.dropSession(peer)
		return ErrTransport
	}
	if n.Stats != nil {
		var blocks, bytes int64
		for _, b := range m.Payload {
			blocks++
			bytes += int64(len(b.Data))
		}
		n.Stats.BlocksSent.Add(blocks)
		n.Stats.BytesSent.Add(bytes)
	}
	return nil
}

func (n *Network) connect(ctx context.Context, peer string) (session.Session, error) {
	p, ok := n.Peers.Get(peer)
	if !ok {
		return nil, ErrNotConnected
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectBudget)
	defer cancel()
	sess, err := n.Dial(dialCtx, p.Addr)
	if err != nil {
		return nil, ErrNotConnected
	}
	n.setSession(peer, sess)
	n.Peers.SetConnected(peer, true)
	return sess, nil
}

// HandleMessage implements handle_message(bytes): strip the header, decode,
// then dispatch payload blocks and wantlist entries. Any failure (bad
// header, bad codec, undecodable CID) drops the whole message — the
// fail-closed rule.
func (n *Network) HandleMessage(peer string, raw []byte) {
	m, err := message.DecodeFramed(raw)
	if err != nil {
		n.Logger.Levelf(log.Debug, "network: dropping malformed message from %s: %v", peer, err)
		return
	}

	// Decode every block CID before delivering any block, so a bad one
	// drops the whole message.
	blockCids := make([]cid.Cid, len(m.Payload))
	for i, blk := range m.Payload {
		c, err := cid.Decode(blk.Prefix)
		if err != nil {
			n.Logger.Levelf(log.Debug, "network: dropping message from %s: bad block cid: %v", peer, err)
			return
		}
		blockCids[i] = c
	}
	for i, blk := range m.Payload {
		data := append([]byte(nil), blk.Data...)
		n.HasBlock(blockCids[i], data)
		if n.Stats != nil {
			n.Stats.BlocksReceived.Add(1)
			n.Stats.BytesReceived.Add(int64(len(data)))
		}
	}

	if m.Wantlist == nil {
		return
	}
	req := n.PeerReqs.FindOrAdd(peer)
	remote := wantlist.Session{Kind: wantlist.Remote, Peer: peer}
	for _, e := range m.Wantlist.Entries {
		if !e.Cid.Defined() {
			n.Logger.Levelf(log.Debug, "network: dropping message from %s: undefined wantlist cid", peer)
			return
		}
		req.AdjustCidsTheyWant(e.Cid, e.Cancel)
		if n.WantList != nil {
			if e.Cancel {
				n.WantList.Remove(e.Cid, remote)
			} else {
				n.WantList.AddPriority(e.Cid, remote, e.Priority)
			}
		}
	}
}

// SessionFor returns the live session for peer, if one is currently held
// open (used by the peer worker's peek/read step).
func (n *Network) SessionFor(peer string) (session.Session, bool) {
	return n.getSession(peer)
}

// SetSession registers an already-open session for peer, for inbound
// connections accepted outside of Send's own dial path.
func (n *Network) SetSession(peer string, s session.Session) {
	n.setSession(peer, s)
}

func (n *Network) getSession(peer string) (session.Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[peer]
	return s, ok
}

func (n *Network) setSession(peer string, s session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions == nil {
		n.sessions = make(map[string]session.Session)
	}
	n.sessions[peer] = s
}

func (n *Network) dropSession(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, peer)
}
