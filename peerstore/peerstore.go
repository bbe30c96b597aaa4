// Package peerstore holds the node's peer catalogue: known addresses and
// each peer's NOT_CONNECTED/CONNECTED state, plus the round-robin sweep
// order the peer worker drains.
package peerstore

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/sync"
)

// State is a peer's connection state: NOT_CONNECTED/CONNECTED
// state machine.
type State int

const (
	NotConnected State = iota
	Connected
)

// Peer is a catalogued peer and its last known address.
type Peer struct {
	ID    string
	Addr  string
	State State
}

// Store assigns each known peer a stable slot index and tracks which slots
// are currently connected in a roaring bitmap, the same structure the
// teacher uses for per-peer piece ownership (peer.go's peerPieces), applied
// here to connection membership instead of piece membership.
type Store struct {
	mu sync.Mutex

	slots     []Peer
	index     map[string]int // peer ID -> slot
	connected *roaring.Bitmap

	sweepNext int
}

// New returns an empty peer store.
func New() *Store {
	return &Store{
		index:     make(map[string]int),
		connected: roaring.New(),
	}
}

// Upsert adds peer id at addr if unknown, or updates its address if known.
// Returns the peer's stable slot index.
func (s *Store) Upsert(id, addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.index[id]; ok {
		s.slots[slot].Addr = addr
		return slot
	}
	slot := len(s.slots)
	s.slots = append(s.slots, Peer{ID: id, Addr: addr, State: NotConnected})
	s.index[id] = slot
	return slot
}

// SetConnected transitions a peer between NOT_CONNECTED and CONNECTED.
func (s *Store) SetConnected(id string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.index[id]
	if !ok {
		return
	}
	if connected {
		s.slots[slot].State = Connected
		s.connected.Add(uint32(slot))
	} else {
		s.slots[slot].State = NotConnected
		s.connected.Remove(uint32(slot))
	}
}

// Get returns the catalogued entry for id.
func (s *Store) Get(id string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.index[id]
	if !ok {
		return Peer{}, false
	}
	return s.slots[slot], true
}

// ConnectedCount reports how many peers are currently connected.
func (s *Store) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.connected.GetCardinality())
}

// SweepOrder returns every currently connected peer's ID in slot order,
// starting one slot after the slot the previous call started from and
// wrapping around, so repeated calls rotate which connected peer comes
// first rather than always favouring low slot indices (the round-robin
// fairness of the peer worker).
func (s *Store) SweepOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.slots)
	if n == 0 {
		return nil
	}
	out := make([]string, 0, s.connected.GetCardinality())
	for i := 0; i < n; i++ {
		slot := (s.sweepNext + i) % n
		if s.connected.Contains(uint32(slot)) {
			out = append(out, s.slots[slot].ID)
		}
	}
	if n > 0 {
		s.sweepNext = (s.sweepNext + 1) % n
	}
	return out
}

// All returns every catalogued peer, connected or not.
func (s *Store) All() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, len(s.slots))
	copy(out, s.slots)
	return out
}
