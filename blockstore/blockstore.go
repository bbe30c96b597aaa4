// Package blockstore defines the local persistent key→value map from CID
// to block bytes and a couple of concrete
// implementations.
package blockstore

import (
	"github.com/anacrolix/sync"

	"github.com/dannyzb/bitswap/cid"
)

// Block is a CID paired with its raw bytes.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// Blockstore is the capability the exchange needs from local storage: get
// a block by CID, and persist one. Implementations are assumed internally
// synchronized.
type Blockstore interface {
	Get(c cid.Cid) (Block, bool, error)
	Put(b Block) error
}

// Memory is an in-process Blockstore backed by a mutex-guarded map. It's
// the default for tests and small local swarms.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string]Block
}

// NewMemory returns an empty in-memory Blockstore.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[string]Block)}
}

func (m *Memory) Get(c cid.Cid) (Block, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[c.KeyString()]
	return b, ok, nil
}

func (m *Memory) Put(b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.Cid.KeyString()] = b
	return nil
}

// Len reports the number of blocks held, for tests and metrics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
