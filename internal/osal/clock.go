package osal

import "time"

// Clock is a monotonic millisecond clock. Readings wrap at 2^32 ms, like a
// 32-bit RTOS tick counter; use Since for intervals.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns milliseconds since the clock was created.
func (c *Clock) Now() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

// Since returns the milliseconds elapsed since the reading then. Wraparound
// is handled by unsigned subtraction.
func (c *Clock) Since(then uint32) uint32 {
	return c.Now() - then
}
