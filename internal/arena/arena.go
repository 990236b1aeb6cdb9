// Package arena hands out fixed regions of one preallocated memory block.
//
// The data plane never grows its memory after initialization: DMA slots and
// frame segments are carved from an arena once and reused for the lifetime
// of the system.
package arena

import (
	"fmt"

	"github.com/tinyrange/gistack/internal/fault"
)

// Arena is a bump allocator over a single mapping. Carve is not safe for
// concurrent use; it runs during initialization only.
type Arena struct {
	name    string
	mem     []byte
	off     int
	release func() error
}

// New maps size bytes of zeroed memory.
func New(name string, size int) (*Arena, error) {
	if size <= 0 {
		return nil, fault.Configf(name+".size", "must be positive, got %d", size)
	}
	mem, release, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("arena %s: map %d bytes: %w", name, size, err)
	}
	return &Arena{name: name, mem: mem, release: release}, nil
}

// Carve returns the next n bytes aligned to align (a power of two, or 0/1
// for no alignment). The returned slice has its capacity clipped to n.
func (a *Arena) Carve(n, align int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena %s: invalid carve size %d", a.name, n)
	}
	if align > 1 && align&(align-1) != 0 {
		return nil, fmt.Errorf("arena %s: alignment %d is not a power of two", a.name, align)
	}
	off := a.off
	if align > 1 {
		off = (off + align - 1) &^ (align - 1)
	}
	if off+n > len(a.mem) {
		return nil, fmt.Errorf("arena %s: carve %d bytes at %d exceeds size %d: %w",
			a.name, n, off, len(a.mem), fault.ErrResourceExhausted)
	}
	a.off = off + n
	return a.mem[off : off+n : off+n], nil
}

// Size is the total mapped size.
func (a *Arena) Size() int { return len(a.mem) }

// Used is the number of bytes carved so far, including alignment padding.
func (a *Arena) Used() int { return a.off }

// Close unmaps the arena. Every slice carved from it becomes invalid.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	a.mem = nil
	return release()
}
