// Package cid implements the content identifier used throughout the
// exchange: a small value type over a multihash plus a codec tag.
package cid

import (
	"encoding/binary"
	"errors"

	mh "github.com/multiformats/go-multihash"
)

// ErrInvalid is returned when a CID cannot be decoded from its prefixed
// multihash representation.
var ErrInvalid = errors.New("cid: invalid encoding")

// Cid is a content identifier: a version, a codec tag, and a multihash of
// the block's bytes. It's a value type; two Cids are Equal iff their
// multihash bytes are bytewise identical (the version/codec are carried for
// encoding purposes but equality is hash-based, per the data model).
type Cid struct {
	Version uint64
	Codec   uint64
	Hash    mh.Multihash
}

// Undef is the zero Cid. Defined reports false for it.
var Undef = Cid{}

// Defined reports whether c carries a non-empty multihash.
func (c Cid) Defined() bool {
	return len(c.Hash) > 0
}

// Equals reports bytewise equality of the underlying multihash. Version and
// codec are not compared: two encodings of the same hash name the same
// block.
func (c Cid) Equals(o Cid) bool {
	if len(c.Hash) != len(o.Hash) {
		return false
	}
	for i := range c.Hash {
		if c.Hash[i] != o.Hash[i] {
			return false
		}
	}
	return true
}

// KeyString returns a form suitable for use as a map key: bytewise equal
// CIDs produce identical strings.
func (c Cid) KeyString() string {
	return string(c.Hash)
}

func (c Cid) String() string {
	return c.Hash.B58String()
}

// NewFromHash builds a Cid from an already-computed multihash.
func NewFromHash(version, codec uint64, h mh.Multihash) Cid {
	return Cid{Version: version, Codec: codec, Hash: h}
}

// Sum computes the Cid of data using the given multihash function code
// (e.g. mh.SHA2_256), the way a block's identity is derived on import.
func Sum(version, codec uint64, data []byte, hashFunc uint64) (Cid, error) {
	h, err := mh.Sum(data, hashFunc, -1)
	if err != nil {
		return Undef, err
	}
	return NewFromHash(version, codec, h), nil
}

// EncodedLen returns the number of bytes Encode will produce.
func (c Cid) EncodedLen() int {
	var tmp [binary.MaxVarintLen64 * 2]byte
	n := binary.PutUvarint(tmp[:], c.Version)
	n += binary.PutUvarint(tmp[n:], c.Codec)
	return n + len(c.Hash)
}

// Encode writes the wire prefix form: version and codec as unsigned
// varints, followed by the raw multihash bytes. This is the "CID prefix"
// form referenced by the message codec (version, codec, multihash prefix).
func (c Cid) Encode() []byte {
	buf := make([]byte, c.EncodedLen())
	n := binary.PutUvarint(buf, c.Version)
	n += binary.PutUvarint(buf[n:], c.Codec)
	copy(buf[n:], c.Hash)
	return buf
}

// Decode parses the wire prefix form produced by Encode. A zero-length
// multihash (no bytes remaining after the two varints, or a multihash
// declaring zero length) is rejected with ErrInvalid, matching the message
// codec's "zero hash length fails decode" rule.
func Decode(b []byte) (Cid, error) {
	version, n := binary.Uvarint(b)
	if n <= 0 {
		return Undef, ErrInvalid
	}
	b = b[n:]
	codec, n := binary.Uvarint(b)
	if n <= 0 {
		return Undef, ErrInvalid
	}
	b = b[n:]
	if len(b) == 0 {
		return Undef, ErrInvalid
	}
	h, err := mh.Cast(b)
	if err != nil {
		return Undef, ErrInvalid
	}
	if len(h) == 0 {
		return Undef, ErrInvalid
	}
	return Cid{Version: version, Codec: codec, Hash: h}, nil
}
