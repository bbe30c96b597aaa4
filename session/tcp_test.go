package session

import (
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func pipeSessions(t *testing.T) (*TCP, *TCP) {
	t.Helper()
	a, b := net.Pipe()
	return NewTCP(a), NewTCP(b)
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := qt.New(t)
	a, b := pipeSessions(t)
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n := a.Write([]byte("hello bitswap"))
		c.Check(n, qt.Equals, int32(len("hello bitswap")))
	}()

	payload, ok := b.Read(time.Second)
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(payload), qt.Equals, "hello bitswap")
	<-done
}

func TestReadTimesOutWithNoData(t *testing.T) {
	c := qt.New(t)
	_, b := pipeSessions(t)
	defer b.Close()

	_, ok := b.Read(20 * time.Millisecond)
	c.Assert(ok, qt.IsFalse)
}

func TestHandshakeExchangesIDs(t *testing.T) {
	c := qt.New(t)
	// Both ends write their ID before reading, so this needs a buffered
	// transport: a net.Pipe write blocks until the other end reads.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	a, err := DialTCP(ln.Addr().String())
	c.Assert(err, qt.IsNil)
	defer a.Close()
	conn, ok := <-accepted
	c.Assert(ok, qt.IsTrue)
	b := NewTCP(conn)
	defer b.Close()

	type result struct {
		id  string
		err error
	}
	aResult := make(chan result, 1)
	go func() {
		id, err := a.Handshake("peerA")
		aResult <- result{id, err}
	}()

	bID, bErr := b.Handshake("peerB")
	c.Assert(bErr, qt.IsNil)
	c.Assert(bID, qt.Equals, "peerA")

	got := <-aResult
	c.Assert(got.err, qt.IsNil)
	c.Assert(got.id, qt.Equals, "peerB")

	remoteOfA, ok := a.RemotePeer()
	c.Assert(ok, qt.IsTrue)
	c.Assert(remoteOfA, qt.Equals, "peerB")
}

func TestPeekAfterCloseIsNegative(t *testing.T) {
	c := qt.New(t)
	a, b := pipeSessions(t)
	defer b.Close()
	a.Close()

	c.Assert(b.Peek(), qt.Equals, int32(-1))
}
