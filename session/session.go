// Package session defines the framed, length-delimited, authenticated byte
// stream to a peer that the network layer reads
// and writes bitswap messages over.
package session

import "time"

// Session is the capability the network layer needs from a peer
// connection. Peek returns the count of
// bytes ready to read (negative on error), Read blocks up to timeout and
// reports whether a full frame was read, Write returns the number of bytes
// actually written (short writes are the caller's problem to detect).
type Session interface {
	Peek() int32
	Read(timeout time.Duration) ([]byte, bool)
	Write(b []byte) int32
	Close() error
}

// RemotePeerID identifies the peer at the other end of a Session, resolved
// by the transport during handshake. Sessions that can't identify their
// peer (e.g. not yet handshaked) return ok=false.
type RemotePeerID interface {
	RemotePeer() (id string, ok bool)
}
