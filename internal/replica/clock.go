// Package replica implements the replicated fleet document: a map of leaf
// paths to last-writer-wins registers ordered by a hybrid logical clock.
//
// Any two documents that have applied the same set of operations, in any
// order and with any duplication, hold identical values.
package replica

import (
	"strings"
	"sync"
	"time"
)

// Timestamp is a hybrid logical clock reading. Actor breaks ties so that the
// order is total across replicas.
type Timestamp struct {
	Wall    int64  `cbor:"1,keyasint" json:"wall"`
	Logical uint32 `cbor:"2,keyasint" json:"logical"`
	Actor   string `cbor:"3,keyasint" json:"actor"`
}

// Compare returns -1, 0 or +1 depending on whether t sorts before, equal to,
// or after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Wall < o.Wall:
		return -1
	case t.Wall > o.Wall:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	return strings.Compare(t.Actor, o.Actor)
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Logical == 0 && t.Actor == ""
}

// Clock issues monotonically increasing timestamps for one actor.
type Clock struct {
	mu    sync.Mutex
	actor string
	last  Timestamp
	now   func() int64
}

// NewClock creates a clock for the given actor using wall time in milliseconds.
func NewClock(actor string) *Clock {
	return &Clock{
		actor: actor,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Actor returns the actor ID stamped on issued timestamps.
func (c *Clock) Actor() string {
	return c.actor
}

// SetNow replaces the wall time source.
func (c *Clock) SetNow(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Now issues a timestamp strictly greater than any previously issued or observed.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now()
	if wall > c.last.Wall {
		c.last = Timestamp{Wall: wall, Actor: c.actor}
	} else {
		c.last = Timestamp{Wall: c.last.Wall, Logical: c.last.Logical + 1, Actor: c.actor}
	}
	return c.last
}

// Observe advances the clock past a timestamp seen from another replica.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.Wall > c.last.Wall || (ts.Wall == c.last.Wall && ts.Logical > c.last.Logical) {
		c.last = Timestamp{Wall: ts.Wall, Logical: ts.Logical, Actor: c.actor}
	}
}
