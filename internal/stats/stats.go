// Package stats implements the exchange's exported counters: concurrency-
// safe running totals for blocks and bytes moved in each direction, kept in
// their own package so both the network and engine layers can increment
// them without either depending on the root bitswap package.
package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Count is a concurrency-safe counter.
type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Int64())
}

// Counters holds the exchange's running totals: blocks and bytes moved in
// each direction. The network layer increments these as traffic actually
// crosses the wire, so they report what was sent/received rather than what
// was merely queued.
type Counters struct {
	BlocksSent     Count
	BlocksReceived Count
	BytesSent      Count
	BytesReceived  Count
}

// Snapshot returns a point-in-time copy, safe to read without further
// mutation (Add must not be called on the copy).
func (c *Counters) Snapshot() Counters {
	return Counters{
		BlocksSent:     Count{n: c.BlocksSent.Int64()},
		BlocksReceived: Count{n: c.BlocksReceived.Int64()},
		BytesSent:      Count{n: c.BytesSent.Int64()},
		BytesReceived:  Count{n: c.BytesReceived.Int64()},
	}
}
