package peerstore

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestUpsertIsIdempotentPerID(t *testing.T) {
	c := qt.New(t)
	s := New()
	a := s.Upsert("peerA", "10.0.0.1:4001")
	b := s.Upsert("peerA", "10.0.0.2:4001")
	c.Assert(a, qt.Equals, b)
	p, ok := s.Get("peerA")
	c.Assert(ok, qt.IsTrue)
	c.Assert(p.Addr, qt.Equals, "10.0.0.2:4001")
}

func TestSetConnectedTracksCardinality(t *testing.T) {
	c := qt.New(t)
	s := New()
	s.Upsert("peerA", "a")
	s.Upsert("peerB", "b")
	s.SetConnected("peerA", true)
	c.Assert(s.ConnectedCount(), qt.Equals, 1)
	s.SetConnected("peerB", true)
	c.Assert(s.ConnectedCount(), qt.Equals, 2)
	s.SetConnected("peerA", false)
	c.Assert(s.ConnectedCount(), qt.Equals, 1)
}

func TestSweepOrderRotatesStart(t *testing.T) {
	c := qt.New(t)
	s := New()
	s.Upsert("peerA", "a")
	s.Upsert("peerB", "b")
	s.Upsert("peerC", "c")
	s.SetConnected("peerA", true)
	s.SetConnected("peerB", true)
	s.SetConnected("peerC", true)

	first := s.SweepOrder()
	second := s.SweepOrder()
	c.Assert(first, qt.HasLen, 3)
	c.Assert(second, qt.HasLen, 3)
	c.Assert(first[0], qt.Not(qt.Equals), second[0])
}

func TestSweepOrderSkipsDisconnected(t *testing.T) {
	c := qt.New(t)
	s := New()
	s.Upsert("peerA", "a")
	s.Upsert("peerB", "b")
	s.SetConnected("peerA", true)

	order := s.SweepOrder()
	c.Assert(order, qt.DeepEquals, []string{"peerA"})
}
