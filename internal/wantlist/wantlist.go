// Package wantlist implements the process-wide want-list queue: the
// table of CIDs the local node is trying to obtain, reference-counted by
// requesting session.
package wantlist

import (
	"github.com/ajwerner/btree"
	"github.com/anacrolix/sync"
	"github.com/cespare/xxhash"

	g "github.com/anacrolix/generics"

	"github.com/dannyzb/bitswap/cid"
)

// SessionKind distinguishes the local caller from a remote peer asking on
// our behalf. LOCAL sessions are singletons; REMOTE sessions compare by
// peer identity.
type SessionKind int

const (
	Local SessionKind = iota
	Remote
)

// Session identifies a requester of a want-list entry.
type Session struct {
	Kind SessionKind
	// Peer identifies a REMOTE session by peer identity (e.g. a libp2p peer
	// ID string). Ignored for LOCAL sessions, which all compare equal.
	Peer string
}

func (s Session) equals(o Session) bool {
	if s.Kind != o.Kind {
		return false
	}
	if s.Kind == Local {
		return true
	}
	return s.Peer == o.Peer
}

// Entry is a WantListEntry: a CID, its priority, the set of sessions
// currently requesting it, and (once received) its block.
type Entry struct {
	Cid      cid.Cid
	Priority int32

	sessions []Session

	Block        g.Option[[]byte]
	AskedNetwork bool
	Attempts     int

	mu       sync.Mutex
	arrived  chan struct{}
}

// Arrived returns a channel that closes exactly once, the moment Satisfy is
// called on this entry. A GetBlock-style caller can select on it alongside
// a timeout instead of polling Block.Ok.
func (e *Entry) Arrived() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.arrived == nil {
		e.arrived = make(chan struct{})
	}
	return e.arrived
}

// Satisfy attaches data as this entry's block and wakes anyone waiting on
// Arrived. Safe to call more than once; only the first call has any effect.
func (e *Entry) Satisfy(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Block.Ok {
		return
	}
	e.Block = g.Some(data)
	if e.arrived == nil {
		e.arrived = make(chan struct{})
	}
	close(e.arrived)
}

// HasSession reports whether any requesting session matches kind/peer.
func (e *Entry) HasSession(s Session) bool {
	for _, have := range e.sessions {
		if have.equals(s) {
			return true
		}
	}
	return false
}

// HasLocalSession reports whether a LOCAL caller is among the requesters,
// used by the want-list worker to decide whether a network lookup is
// warranted at all.
func (e *Entry) HasLocalSession() bool {
	return e.HasSession(Session{Kind: Local})
}

// HasRemoteSession reports whether any REMOTE session is requesting, and
// returns one such peer if so (the engine only needs to notice that one
// exists, to forward a fetched block onward).
func (e *Entry) HasRemoteSession() (string, bool) {
	for _, s := range e.sessions {
		if s.Kind == Remote {
			return s.Peer, true
		}
	}
	return "", false
}

func (e *Entry) sessionCount() int {
	return len(e.sessions)
}

// queueItem is what the priority btree orders: higher Priority first, ties
// broken by insertion sequence so Pop degenerates to FIFO among entries
// that share the default priority.
type queueItem struct {
	priority int32
	seq      uint64
	entry    *Entry
}

func queueItemCmp(a, b queueItem) int {
	switch {
	case a.priority > b.priority:
		return -1
	case a.priority < b.priority:
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// Queue is the process-wide WantListQueue: an ordered collection of
// entries, one per CID, guarded by a single mutex. Lookup goes through an
// xxhash-sharded index over the CID's bytes rather than an O(n) linear scan,
// since CID equality stays bytewise and the hash only narrows the bucket
// scan. Pop order is kept in a priority btree (priority tier, then
// insertion sequence) rather than a plain append-only list.
type Queue struct {
	mu      sync.Mutex
	tree    btree.Set[queueItem]
	buckets map[uint64][]*Entry
	nextSeq uint64
	count   int
}

// New returns an empty want-list queue.
func New() *Queue {
	return &Queue{
		buckets: make(map[uint64][]*Entry),
		tree: btree.MakeSet(func(a, b queueItem) int {
			return queueItemCmp(a, b)
		}),
	}
}

func bucketKey(c cid.Cid) uint64 {
	return xxhash.Sum64(c.Hash)
}

// findLocked returns the live entry for c, if any. Caller holds q.mu.
func (q *Queue) findLocked(c cid.Cid) *Entry {
	for _, e := range q.buckets[bucketKey(c)] {
		if e.Cid.Equals(c) {
			return e
		}
	}
	return nil
}

// Find returns the entry for c, or nil if none is queued.
func (q *Queue) Find(c cid.Cid) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findLocked(c)
}

// Add records that s wants c, creating a fresh priority-1 entry if none
// exists, or appending s to an existing entry's requesters (the add
// operation).
func (q *Queue) Add(c cid.Cid, s Session) *Entry {
	return q.AddPriority(c, s, 1)
}

// AddPriority is Add with an explicit priority for a freshly created entry.
// Priority is fixed at creation, matching the spec's add/remove/find/pop
// operation set, which has no later priority-mutation operation; an
// existing entry's priority is left untouched regardless of the priority
// passed here.
func (q *Queue) AddPriority(c cid.Cid, s Session, priority int32) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.findLocked(c); e != nil {
		if !e.HasSession(s) {
			e.sessions = append(e.sessions, s)
		}
		return e
	}
	e := &Entry{
		Cid:      c,
		Priority: priority,
		sessions: []Session{s},
	}
	key := bucketKey(c)
	q.buckets[key] = append(q.buckets[key], e)
	q.tree.Upsert(queueItem{priority: e.Priority, seq: q.nextSeq, entry: e})
	q.nextSeq++
	q.count++
	return e
}

// Remove drops s from c's requester set. The entry itself is retained even
// once the set empties — this is deliberate
// caching of a received block across the entry's remaining lifetime in this
// process, not pruned by this operation.
func (q *Queue) Remove(c cid.Cid, s Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(c)
	if e == nil {
		return
	}
	for i, have := range e.sessions {
		if have.equals(s) {
			e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
			return
		}
	}
}

// SessionCount returns the number of live requesters for c (0 if absent),
// used by tests asserting invariant 1 (every queued CID has at least one
// requester while genuinely live).
func (q *Queue) SessionCount(c cid.Cid) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(c)
	if e == nil {
		return 0
	}
	return e.sessionCount()
}

// Pop returns the first entry with no block and no network request yet
// made. It does not remove the entry or mark it asked; the caller
// (want-list worker) sets AskedNetwork once it has dispatched the lookup,
// after which Pop no longer returns it.
func (q *Queue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		e := it.Cur().entry
		if !e.Block.Ok && !e.AskedNetwork {
			return e
		}
	}
	return nil
}

// Len reports the number of entries currently tracked, including ones with
// an emptied requester set.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
