// Package frame implements the chained, pool-backed buffers that carry
// Ethernet frames between stages.
//
// A Buffer is a singly linked chain of fixed-size segments. Exactly one
// stage owns a Buffer at a time; ownership moves with the buffer when it is
// enqueued on a link, and whichever stage holds it last frees it. Free is
// idempotent-safe: the second call reports ErrDoubleFree and leaves the pool
// untouched.
package frame

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/osal"
)

var (
	// ErrDoubleFree is returned by Free on an already freed buffer.
	ErrDoubleFree = errors.New("frame: buffer freed twice")
	// ErrNoHeadroom is returned by Push when the first segment has no room
	// in front of the cursor.
	ErrNoHeadroom = errors.New("frame: no headroom")
	// ErrTooLarge is returned by Alloc for a request the pool could never
	// satisfy, even when empty.
	ErrTooLarge = fmt.Errorf("frame: request exceeds pool: %w", fault.ErrResourceExhausted)
)

// Pool owns a fixed set of equally sized segments.
type Pool struct {
	name      string
	blockSize int
	segs      *osal.Pool[Segment]
	live      atomic.Int64
}

// NewPool splits mem into len(mem)/blockSize segments. mem is normally
// carved from an arena and must outlive the pool.
func NewPool(name string, blockSize int, mem []byte) (*Pool, error) {
	if blockSize <= 0 {
		return nil, fault.Configf(name+".block_size", "must be positive, got %d", blockSize)
	}
	count := len(mem) / blockSize
	if count == 0 {
		return nil, fault.Configf(name+".blocks", "%d bytes cannot hold a %d byte block", len(mem), blockSize)
	}

	backing := make([]Segment, count)
	for i := range backing {
		backing[i].block = mem[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
	}
	segs, err := osal.NewPoolFrom(name, backing)
	if err != nil {
		return nil, err
	}
	return &Pool{name: name, blockSize: blockSize, segs: segs}, nil
}

// Name is the allocator tag recorded in every buffer from this pool.
func (p *Pool) Name() string { return p.name }

// BlockSize is the size of one segment.
func (p *Pool) BlockSize() int { return p.blockSize }

// Alloc returns a buffer of size bytes with headroom bytes reserved in front
// of the first segment for headers pushed later. Allocation is all or
// nothing: on exhaustion every segment taken so far goes back.
func (p *Pool) Alloc(size, headroom int) (*Buffer, error) {
	if size < 0 || headroom < 0 || headroom >= p.blockSize {
		return nil, fmt.Errorf("frame: invalid alloc size=%d headroom=%d (block %d)", size, headroom, p.blockSize)
	}
	count := (size + headroom + p.blockSize - 1) / p.blockSize
	if count == 0 {
		count = 1
	}
	if count > p.segs.Cap() {
		return nil, fmt.Errorf("%w: %d bytes needs %d segments of %s", ErrTooLarge, size, count, p.name)
	}

	b := &Buffer{pool: p}
	var tail *Segment
	remaining := size
	for i := 0; i < count; i++ {
		s, err := p.segs.Alloc()
		if err != nil {
			p.release(b.head)
			return nil, fmt.Errorf("frame: alloc %d bytes from %s: %w", size, p.name, err)
		}
		s.next = nil
		s.start = 0
		if i == 0 {
			s.start = headroom
		}
		take := min(len(s.block)-s.start, remaining)
		s.end = s.start + take
		remaining -= take

		if tail == nil {
			b.head = s
		} else {
			tail.next = s
		}
		tail = s
	}
	p.live.Add(1)
	return b, nil
}

func (p *Pool) release(head *Segment) {
	for s := head; s != nil; {
		next := s.next
		s.next = nil
		// Segments only ever come from this pool; a failure here means the
		// chain was corrupted.
		if err := p.segs.Free(s); err != nil {
			panic(fmt.Sprintf("frame: release segment: %v", err))
		}
		s = next
	}
}

// InUse is the number of segments currently allocated.
func (p *Pool) InUse() int { return p.segs.InUse() }

// Available is the number of free segments.
func (p *Pool) Available() int { return p.segs.Available() }

// Cap is the total number of segments.
func (p *Pool) Cap() int { return p.segs.Cap() }

// Live is the number of allocated, not yet freed buffers.
func (p *Pool) Live() int { return int(p.live.Load()) }
