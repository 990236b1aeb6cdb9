package frame

import (
	"fmt"
	"sync/atomic"
)

// Segment is one fixed-size block of a buffer chain. Its valid bytes are
// block[start:end].
type Segment struct {
	block []byte
	start int
	end   int
	next  *Segment
}

// Bytes returns the valid bytes of the segment. Writes through the slice
// modify the buffer.
func (s *Segment) Bytes() []byte { return s.block[s.start:s.end] }

// Len is the number of valid bytes in the segment.
func (s *Segment) Len() int { return s.end - s.start }

// Next returns the following segment, or nil at the end of the chain.
func (s *Segment) Next() *Segment { return s.next }

// Buffer is a chained frame buffer. The zero value is not usable; buffers
// come from Pool.Alloc.
type Buffer struct {
	pool  *Pool
	head  *Segment
	freed atomic.Bool
}

func (b *Buffer) live() {
	if b.freed.Load() {
		panic("frame: use of freed buffer")
	}
}

// Owner is the tag of the pool the buffer was allocated from.
func (b *Buffer) Owner() string { return b.pool.name }

// First returns the head of the segment chain.
func (b *Buffer) First() *Segment {
	b.live()
	return b.head
}

// Len is the total number of valid bytes across all segments.
func (b *Buffer) Len() int {
	b.live()
	n := 0
	for s := b.head; s != nil; s = s.next {
		n += s.Len()
	}
	return n
}

// NumSegments is the length of the chain.
func (b *Buffer) NumSegments() int {
	b.live()
	n := 0
	for s := b.head; s != nil; s = s.next {
		n++
	}
	return n
}

// Header returns a contiguous view of the first n bytes. It reports false
// when they straddle a segment boundary.
func (b *Buffer) Header(n int) ([]byte, bool) {
	b.live()
	if n < 0 || b.head.Len() < n {
		return nil, false
	}
	return b.head.Bytes()[:n], true
}

// Strip advances the header cursor by n bytes. The stripped bytes must lie
// in the first segment.
func (b *Buffer) Strip(n int) error {
	b.live()
	if n < 0 || n > b.head.Len() {
		return fmt.Errorf("frame: strip %d bytes, first segment holds %d", n, b.head.Len())
	}
	b.head.start += n
	return nil
}

// Push moves the header cursor back by n bytes into the reserved headroom
// and returns the exposed region for the caller to fill.
func (b *Buffer) Push(n int) ([]byte, error) {
	b.live()
	if n < 0 || b.head.start < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNoHeadroom, n, b.head.start)
	}
	b.head.start -= n
	return b.head.block[b.head.start : b.head.start+n], nil
}

// Truncate drops trailing bytes so the buffer holds at most n. Emptied
// segments stay in the chain until Free.
func (b *Buffer) Truncate(n int) {
	b.live()
	left := max(n, 0)
	for s := b.head; s != nil; s = s.next {
		if s.Len() > left {
			s.end = s.start + left
		}
		left -= s.Len()
	}
}

// CopyFrom fills the buffer from src, segment by segment, and returns the
// number of bytes copied.
func (b *Buffer) CopyFrom(src []byte) int {
	b.live()
	n := 0
	for s := b.head; s != nil && n < len(src); s = s.next {
		n += copy(s.Bytes(), src[n:])
	}
	return n
}

// CopyTo copies the buffer contents into dst and returns the number of
// bytes copied.
func (b *Buffer) CopyTo(dst []byte) int {
	b.live()
	n := 0
	for s := b.head; s != nil && n < len(dst); s = s.next {
		n += copy(dst[n:], s.Bytes())
	}
	return n
}

// Bytes returns a linear copy of the contents.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.Len())
	b.CopyTo(out)
	return out
}

// Freed reports whether Free has been called.
func (b *Buffer) Freed() bool { return b.freed.Load() }

// Free returns every segment to the pool. Only the first call has any
// effect.
func (b *Buffer) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		return ErrDoubleFree
	}
	head := b.head
	b.head = nil
	b.pool.release(head)
	b.pool.live.Add(-1)
	return nil
}

// Release frees the buffer; it lets a buffer travel on a link directly.
func (b *Buffer) Release() {
	_ = b.Free()
}
