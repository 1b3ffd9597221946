package engine

import "sync/atomic"

// Clock hands out the seq stamps that order a run's events.
//
// Every Running and terminal transition takes the next seq. Wall-clock
// times are recorded as well, but only seq orders records, observer events
// and annotated documents. The first stamp is 1; zero means "never
// happened" in a Record.
//
// Clock is safe for concurrent use, though the executor only stamps from
// its single-writer loop and from Run itself.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
