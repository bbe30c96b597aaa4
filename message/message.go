// Package message implements the bitswap wire message: a length-delimited,
// tag-prefixed record format carrying an optional want list and payload
// blocks, plus the outbound/inbound protocol header framing.
package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dannyzb/bitswap/cid"
)

// ProtocolHeader is prepended to every emitted message and stripped from
// every received one.
const ProtocolHeader = "/ipfs/bitswap/1.1.0\n"

// ErrMalformed is returned for any record that can't be parsed: a length
// exceeding the remaining buffer, a CID with zero hash length, or nesting
// deeper than two levels.
var ErrMalformed = errors.New("message: malformed bitswap message")

const maxNestingDepth = 2

// wire tags, fixed by the wire protocol.
const (
	tagWantlist = 1
	tagBlocksV1 = 2
	tagPayload  = 3

	tagEntryCid      = 1
	tagEntryPriority = 2
	tagEntryCancel   = 3

	tagBlockPrefix = 1
	tagBlockData   = 2

	tagWantlistFull    = 1
	tagWantlistEntries = 2
)

// Entry is one want-list record: the CID wanted, its priority, and whether
// this record cancels a prior want.
type Entry struct {
	Cid      cid.Cid
	Priority int32
	Cancel   bool
}

// Wantlist is the optional want-list field of a Message.
type Wantlist struct {
	Full    bool
	Entries []Entry
}

// Block is a payload entry (bitswap 1.1): a CID prefix plus raw bytes.
type Block struct {
	Prefix []byte
	Data   []byte
}

// Message is a single bitswap wire message. All three fields are optional;
// a Message with none set is a legal idle heartbeat.
type Message struct {
	Wantlist *Wantlist
	BlocksV1 [][]byte // legacy bitswap 1.0 payload, decoded but never emitted
	Payload  []Block
}

// varint + length-delimited record helpers, a hand-rolled protobuf-style
// tagged framing.

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putTagged(buf *bytes.Buffer, tag int, payload []byte) {
	putUvarint(buf, uint64(tag))
	putUvarint(buf, uint64(len(payload)))
	buf.Write(payload)
}

func putVarintField(buf *bytes.Buffer, tag int, v uint64) {
	putUvarint(buf, uint64(tag))
	putUvarint(buf, v)
}

// record is one decoded (tag, bytes) pair; callers interpret bytes as
// either a nested message or a varint depending on the tag's known shape.
type record struct {
	tag     int
	payload []byte
}

// readRecords splits buf into tag+length-delimited records. Every field is
// read as length-delimited; bodies that mix in varint fields (want lists and
// their entries) are walked by their own decoders instead.
func readRecords(buf []byte, depth int) ([]record, error) {
	if depth > maxNestingDepth {
		return nil, ErrMalformed
	}
	var out []record
	for len(buf) > 0 {
		tag64, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		length, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		if uint64(len(buf)) < length {
			return nil, ErrMalformed
		}
		out = append(out, record{tag: int(tag64), payload: buf[:length]})
		buf = buf[length:]
	}
	return out, nil
}

// Varint fields (priority, cancel, full) are encoded as a single varint in
// place of a length-delimited payload; decode them directly from the raw
// uvarint rather than treating them as nested length-prefixed records.
func readVarintField(buf []byte) (tag int, value uint64, rest []byte, err error) {
	tag64, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, nil, ErrMalformed
	}
	buf = buf[n:]
	value, n = binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, nil, ErrMalformed
	}
	return int(tag64), value, buf[n:], nil
}

// EncodeEntry serializes a single want-list entry.
func EncodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	cidBytes := e.Cid.Encode()
	putTagged(&buf, tagEntryCid, cidBytes)
	cancel := uint64(0)
	if e.Cancel {
		cancel = 1
	}
	putVarintField(&buf, tagEntryCancel, cancel)
	priority := e.Priority
	if priority == 0 {
		priority = 1
	}
	putVarintField(&buf, tagEntryPriority, uint64(priority))
	return buf.Bytes()
}

// decodeEntry parses one want-list entry record body. Entries mix a
// length-delimited CID field with two varint fields, so it walks the
// buffer manually instead of delegating to readRecords.
func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	e.Priority = 1
	sawCid := false
	for len(buf) > 0 {
		tag64, n := binary.Uvarint(buf)
		if n <= 0 {
			return Entry{}, ErrMalformed
		}
		buf = buf[n:]
		switch tag64 {
		case tagEntryCid:
			length, n := binary.Uvarint(buf)
			if n <= 0 {
				return Entry{}, ErrMalformed
			}
			buf = buf[n:]
			if uint64(len(buf)) < length {
				return Entry{}, ErrMalformed
			}
			c, err := cid.Decode(buf[:length])
			if err != nil {
				return Entry{}, ErrMalformed
			}
			e.Cid = c
			sawCid = true
			buf = buf[length:]
		case tagEntryCancel:
			v, n := binary.Uvarint(buf)
			if n <= 0 {
				return Entry{}, ErrMalformed
			}
			e.Cancel = v != 0
			buf = buf[n:]
		case tagEntryPriority:
			v, n := binary.Uvarint(buf)
			if n <= 0 {
				return Entry{}, ErrMalformed
			}
			e.Priority = int32(v)
			buf = buf[n:]
		default:
			// unknown field inside an entry: skip as length-delimited
			length, n := binary.Uvarint(buf)
			if n <= 0 {
				return Entry{}, ErrMalformed
			}
			buf = buf[n:]
			if uint64(len(buf)) < length {
				return Entry{}, ErrMalformed
			}
			buf = buf[length:]
		}
	}
	if !sawCid {
		return Entry{}, ErrMalformed
	}
	return e, nil
}

func encodeWantlist(w *Wantlist) []byte {
	var buf bytes.Buffer
	for _, e := range w.Entries {
		putTagged(&buf, tagWantlistEntries, EncodeEntry(e))
	}
	full := uint64(0)
	if w.Full {
		full = 1
	}
	putVarintField(&buf, tagWantlistFull, full)
	return buf.Bytes()
}

func decodeWantlist(buf []byte, depth int) (*Wantlist, error) {
	w := &Wantlist{}
	for len(buf) > 0 {
		tag64, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		switch tag64 {
		case tagWantlistEntries:
			length, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, ErrMalformed
			}
			buf = buf[n:]
			if uint64(len(buf)) < length {
				return nil, ErrMalformed
			}
			if depth+1 > maxNestingDepth {
				return nil, ErrMalformed
			}
			e, err := decodeEntry(buf[:length])
			if err != nil {
				return nil, err
			}
			w.Entries = append(w.Entries, e)
			buf = buf[length:]
		case tagWantlistFull:
			v, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, ErrMalformed
			}
			w.Full = v != 0
			buf = buf[n:]
		default:
			length, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, ErrMalformed
			}
			buf = buf[n:]
			if uint64(len(buf)) < length {
				return nil, ErrMalformed
			}
			buf = buf[length:]
		}
	}
	return w, nil
}

// EncodeBlock serializes a v1.1 payload block.
func EncodeBlock(b Block) []byte {
	var buf bytes.Buffer
	putTagged(&buf, tagBlockPrefix, b.Prefix)
	putTagged(&buf, tagBlockData, b.Data)
	return buf.Bytes()
}

func decodeBlock(buf []byte) (Block, error) {
	recs, err := readRecords(buf, maxNestingDepth)
	if err != nil {
		return Block{}, err
	}
	var b Block
	for _, r := range recs {
		switch r.tag {
		case tagBlockPrefix:
			b.Prefix = append([]byte(nil), r.payload...)
		case tagBlockData:
			b.Data = append([]byte(nil), r.payload...)
		}
	}
	return b, nil
}

// Encode serializes m into the length-delimited tagged record form
// described above. v1.1 payload is always preferred; BlocksV1 is never
// emitted (legacy, decode-only).
func Encode(m *Message) []byte {
	var buf bytes.Buffer
	if m.Wantlist != nil {
		putTagged(&buf, tagWantlist, encodeWantlist(m.Wantlist))
	}
	for _, b := range m.Payload {
		putTagged(&buf, tagPayload, EncodeBlock(b))
	}
	return buf.Bytes()
}

// Decode parses the tagged record body of a message (the protocol header
// must already be stripped by the caller). A zero-length buf decodes to a
// valid zero-field Message (the idle heartbeat).
func Decode(buf []byte) (*Message, error) {
	m := &Message{}
	if len(buf) == 0 {
		return m, nil
	}
	for len(buf) > 0 {
		tag64, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		length, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		if uint64(len(buf)) < length {
			return nil, ErrMalformed
		}
		payload := buf[:length]
		buf = buf[length:]
		switch tag64 {
		case tagWantlist:
			w, err := decodeWantlist(payload, 1)
			if err != nil {
				return nil, err
			}
			m.Wantlist = w
		case tagBlocksV1:
			m.BlocksV1 = append(m.BlocksV1, append([]byte(nil), payload...))
		case tagPayload:
			b, err := decodeBlock(payload)
			if err != nil {
				return nil, err
			}
			m.Payload = append(m.Payload, b)
		default:
			// unknown top-level tag: skip
		}
	}
	return m, nil
}

// EncodeFramed prepends the protocol header to an encoded message, ready to
// write to a Session.
func EncodeFramed(m *Message) []byte {
	body := Encode(m)
	out := make([]byte, 0, len(ProtocolHeader)+len(body))
	out = append(out, ProtocolHeader...)
	out = append(out, body...)
	return out
}

// StripHeader removes the protocol header from an inbound frame. The header
// runs through the first newline; bytes before it are discarded. Absent
// newline is malformed.
func StripHeader(buf []byte) ([]byte, error) {
	for i, b := range buf {
		if b == '\n' {
			return buf[i+1:], nil
		}
	}
	return nil, fmt.Errorf("%w: no header newline", ErrMalformed)
}

// DecodeFramed strips the header and decodes the body in one step, as the
// network layer's inbound path does.
func DecodeFramed(buf []byte) (*Message, error) {
	body, err := StripHeader(buf)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
