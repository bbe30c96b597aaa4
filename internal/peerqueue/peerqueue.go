// Package peerqueue implements the per-peer request queue: a
// doubly-linked, round-robin collection of PeerRequests, each holding the
// three sub-lists the engine drains when it next has something to send.
package peerqueue

import (
	"github.com/anacrolix/sync"
	"github.com/elliotchance/orderedmap"

	"github.com/dannyzb/bitswap/cid"
)

// CidEntry is a CID queued on a peer's cids_they_want or cids_we_want list
// cancelHasBeenSent implies cancel, enforced by SetCancel and MarkCancelSent.
type CidEntry struct {
	Cid                cid.Cid
	cancel             bool
	cancelHasBeenSent  bool
	requestHasBeenSent bool
}

// Cancel reports whether this entry has been marked cancelled.
func (e *CidEntry) Cancel() bool { return e.cancel }

// CancelHasBeenSent reports whether the cancel has already gone out on the
// wire.
func (e *CidEntry) CancelHasBeenSent() bool { return e.cancelHasBeenSent }

// RequestHasBeenSent reports whether the (non-cancel) want has already gone
// out on the wire.
func (e *CidEntry) RequestHasBeenSent() bool { return e.requestHasBeenSent }

// SetCancel marks the entry cancelled. Setting cancel=false never clears an
// already-sent cancel flag, preserving cancelHasBeenSent ⇒ cancel.
func (e *CidEntry) SetCancel(cancel bool) {
	if !cancel && e.cancelHasBeenSent {
		return
	}
	e.cancel = cancel
}

// MarkCancelSent records that a cancel for this entry has gone out.
func (e *CidEntry) MarkCancelSent() {
	e.cancel = true
	e.cancelHasBeenSent = true
}

// MarkRequestSent records that a (non-cancel) want for this entry has gone
// out.
func (e *CidEntry) MarkRequestSent() {
	e.requestHasBeenSent = true
}

// PendingSend reports whether this entry still needs to go out: a cancel
// not yet sent, or a live want not yet sent.
func (e *CidEntry) PendingSend() bool {
	if e.cancel {
		return !e.cancelHasBeenSent
	}
	return !e.requestHasBeenSent
}

// Block is a resolved payload ready to hand to a peer.
type Block struct {
	Cid    cid.Cid
	Prefix []byte
	Data   []byte
}

// Request is a PeerRequest: one peer's three sub-lists.
type Request struct {
	Peer string

	mu           sync.Mutex
	cidsTheyWant []*CidEntry
	cidsWeWant   []*CidEntry
	blocksToSend []Block
}

func findEntry(list []*CidEntry, c cid.Cid) *CidEntry {
	for _, e := range list {
		if e.Cid.Equals(c) {
			return e
		}
	}
	return nil
}

// AdjustCidsTheyWant applies an incoming want-list entry to what the remote
// peer wants from us: removes the CID on cancel=true, appends a fresh
// CidEntry on cancel=false if absent, or leaves an existing one untouched
// (adjust_cid_queue, with the intended loop behavior — the
// original implementation increments the wrong pointer in its scan; this
// walks by index).
func (r *Request) AdjustCidsTheyWant(c cid.Cid, cancel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.cidsTheyWant {
		if e.Cid.Equals(c) {
			if cancel {
				r.cidsTheyWant = append(r.cidsTheyWant[:i], r.cidsTheyWant[i+1:]...)
			}
			return
		}
	}
	if !cancel {
		r.cidsTheyWant = append(r.cidsTheyWant, &CidEntry{Cid: c})
	}
}

// AddCidWeWant queues a CID we'd like from this peer, if not already
// queued.
func (r *Request) AddCidWeWant(c cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if findEntry(r.cidsWeWant, c) != nil {
		return
	}
	r.cidsWeWant = append(r.cidsWeWant, &CidEntry{Cid: c})
}

// AddBlockToSend queues a resolved block for delivery to this peer.
func (r *Request) AddBlockToSend(b Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocksToSend = append(r.blocksToSend, b)
}

// CidsTheyWantSnapshot returns a copy of the current cids_they_want list.
func (r *Request) CidsTheyWantSnapshot() []*CidEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CidEntry, len(r.cidsTheyWant))
	copy(out, r.cidsTheyWant)
	return out
}

// CidsWeWantSnapshot returns a copy of the current cids_we_want list.
func (r *Request) CidsWeWantSnapshot() []*CidEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CidEntry, len(r.cidsWeWant))
	copy(out, r.cidsWeWant)
	return out
}

// TakeBlocksToSend drains and returns all queued blocks.
func (r *Request) TakeBlocksToSend() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.blocksToSend
	r.blocksToSend = nil
	return out
}

// HasCidsWaiting reports whether cidsTheyWant contains any not-yet-cancelled
// entry (used by the "has something to do" test).
func (r *Request) HasCidsWaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cidsTheyWant {
		if !e.cancel {
			return true
		}
	}
	return false
}

// HasPendingSends reports whether cidsWeWant has anything not yet sent
// (want or cancel).
func (r *Request) HasPendingSends() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cidsWeWant {
		if e.PendingSend() {
			return true
		}
	}
	return false
}

// HasBlocksToSend reports whether any resolved block is queued.
func (r *Request) HasBlocksToSend() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocksToSend) > 0
}

// ResolveFromBlockstore satisfies cidsTheyWant entries it can, via get,
// moving each satisfied CID's bytes into blocksToSend and marking the
// CidEntry cancelled. get returns ok=false when
// the blockstore doesn't have the block.
func (r *Request) ResolveFromBlockstore(get func(cid.Cid) (data []byte, prefix []byte, ok bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cidsTheyWant {
		if e.cancel {
			continue
		}
		data, prefix, ok := get(e.Cid)
		if !ok {
			continue
		}
		r.blocksToSend = append(r.blocksToSend, Block{Cid: e.Cid, Prefix: prefix, Data: data})
		e.cancel = true
	}
}

// Queue is the process-wide PeerRequestQueue: an ordered, no-
// duplicate-peer collection guarded by one mutex, round-robined by Pop.
type Queue struct {
	mu sync.Mutex
	m  *orderedmap.OrderedMap
}

// New returns an empty peer-request queue.
func New() *Queue {
	return &Queue{m: orderedmap.NewOrderedMap()}
}

// FindOrAdd returns the Request for peer, creating and appending one at the
// tail if absent.
func (q *Queue) FindOrAdd(peer string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := q.m.Get(peer); ok {
		return v.(*Request)
	}
	r := &Request{Peer: peer}
	q.m.Set(peer, r)
	return r
}

// Find returns the Request for peer, or nil if none exists.
func (q *Queue) Find(peer string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := q.m.Get(peer); ok {
		return v.(*Request)
	}
	return nil
}

// Remove drops peer's request entirely (peer removal or shutdown).
func (q *Queue) Remove(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m.Delete(peer)
}

// Len reports the number of distinct peers tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.m.Len()
}

// Pop returns the current head Request if hasWork says it has something to
// do (the transport peek() check lives in the caller, since only the
// caller holds a live Session), then rotates it to the tail. It returns nil
// without rotating if the queue is empty or the head has nothing to do.
func (q *Queue) Pop(hasWork func(*Request) bool) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.m.Front()
	if front == nil {
		return nil
	}
	r := front.Value.(*Request)
	if !hasWork(r) {
		return nil
	}
	q.m.Delete(front.Key)
	q.m.Set(front.Key, r)
	return r
}

// Peers returns the peer keys in current round-robin order, for iteration
// that doesn't need to pop (e.g. the peer worker's sweep over the
// peerstore drives its own order; this is for tests and introspection).
func (q *Queue) Peers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, q.m.Len())
	for el := q.m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(string))
	}
	return out
}
