package wantlist

import (
	"testing"

	g "github.com/anacrolix/generics"
	qt "github.com/frankban/quicktest"

	"github.com/dannyzb/bitswap/cid"
)

func mustCid(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := cid.Sum(1, 0x55, []byte(s), 0x12)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAddFindRemove(t *testing.T) {
	c := qt.New(t)
	q := New()
	a := mustCid(t, "a")
	local := Session{Kind: Local}

	e := q.Add(a, local)
	c.Assert(e.Cid.Equals(a), qt.IsTrue)
	c.Assert(e.Priority, qt.Equals, int32(1))
	c.Assert(q.SessionCount(a), qt.Equals, 1)

	remote := Session{Kind: Remote, Peer: "peerA"}
	e2 := q.Add(a, remote)
	c.Assert(e2, qt.Equals, e) // same entry, second requester
	c.Assert(q.SessionCount(a), qt.Equals, 2)

	q.Remove(a, local)
	c.Assert(q.SessionCount(a), qt.Equals, 1)

	// Entry stays queued after the requester set partially empties.
	c.Assert(q.Find(a), qt.IsNotNil)
}

func TestPopSkipsAskedAndSatisfied(t *testing.T) {
	c := qt.New(t)
	q := New()
	a := mustCid(t, "a")
	b := mustCid(t, "b")
	q.Add(a, Session{Kind: Local})
	q.Add(b, Session{Kind: Local})

	first := q.Pop()
	c.Assert(first, qt.IsNotNil)
	first.AskedNetwork = true

	second := q.Pop()
	c.Assert(second, qt.IsNotNil)
	c.Assert(second.Cid.Equals(first.Cid), qt.IsFalse)

	second.Block = g.Some([]byte("data"))
	c.Assert(q.Pop(), qt.IsNil)
}

func TestRemoveUnknownCidIsNoop(t *testing.T) {
	c := qt.New(t)
	q := New()
	a := mustCid(t, "a")
	q.Remove(a, Session{Kind: Local})
	c.Assert(q.Find(a), qt.IsNil)
}

func TestArrivedClosesOnSatisfy(t *testing.T) {
	c := qt.New(t)
	q := New()
	a := mustCid(t, "a")
	e := q.Add(a, Session{Kind: Local})

	arrived := e.Arrived()
	select {
	case <-arrived:
		t.Fatal("arrived closed before Satisfy")
	default:
	}

	e.Satisfy([]byte("data"))
	select {
	case <-arrived:
	default:
		t.Fatal("arrived did not close after Satisfy")
	}
	c.Assert(string(e.Block.Value), qt.Equals, "data")

	// Second Satisfy is a no-op: it must not panic on an already-closed
	// channel, and must not overwrite the first block.
	e.Satisfy([]byte("other"))
	c.Assert(string(e.Block.Value), qt.Equals, "data")
}

func TestPopOrdersByPriorityThenInsertion(t *testing.T) {
	c := qt.New(t)
	q := New()
	a := mustCid(t, "a")
	b := mustCid(t, "b")
	cc := mustCid(t, "c")

	ea := q.Add(a, Session{Kind: Local})
	eb := q.AddPriority(b, Session{Kind: Local}, 5)
	ec := q.Add(cc, Session{Kind: Local})

	// eb outranks ea and ec despite being added second; ea and ec share the
	// default priority and tie-break by insertion order.
	first := q.Pop()
	c.Assert(first, qt.Equals, eb)
	first.AskedNetwork = true

	second := q.Pop()
	c.Assert(second, qt.Equals, ea)
	second.AskedNetwork = true

	third := q.Pop()
	c.Assert(third, qt.Equals, ec)
}
