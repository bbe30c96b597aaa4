package blockstore

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/dannyzb/bitswap/cid"
)

var blocksBucket = []byte("blocks")

// Bolt is a Blockstore backed by a single bbolt database and bucket, keyed
// by CID instead of piece offset.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt-backed Blockstore at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "blockstore: opening bbolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "blockstore: creating blocks bucket")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(c cid.Cid) (Block, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get([]byte(c.KeyString()))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Block{}, false, errors.Wrap(err, "blockstore: get")
	}
	if data == nil {
		return Block{}, false, nil
	}
	return Block{Cid: c, Data: data}, true, nil
}

func (b *Bolt) Put(blk Block) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put([]byte(blk.Cid.KeyString()), blk.Data)
	})
	return errors.Wrap(err, "blockstore: put")
}

// Close releases the underlying database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
