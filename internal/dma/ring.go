// Package dma moves frames between a descriptor ring shared with an
// Ethernet controller and chained frame buffers.
//
// Every descriptor carries an ownership bit. Software only reads or writes
// a descriptor it owns, and only the current owner flips the bit, so the
// bit alone serializes access between the controller and the ingress task.
package dma

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/gistack/internal/fault"
)

// Owner is the value of a descriptor's ownership bit.
type Owner uint32

const (
	OwnedBySoftware Owner = iota
	OwnedByDMA
)

func (o Owner) String() string {
	switch o {
	case OwnedBySoftware:
		return "software"
	case OwnedByDMA:
		return "dma"
	default:
		return fmt.Sprintf("Owner(%d)", uint32(o))
	}
}

// Descriptor is one entry of a ring. The fields behind the ownership bit
// are only valid to the side that currently owns the descriptor.
type Descriptor struct {
	own atomic.Uint32

	slot     []byte
	count    int // bytes of slot in use
	frameLen int // total frame length, set on the last segment
	first    bool
	last     bool
	next     int
}

// Owner loads the ownership bit.
func (d *Descriptor) Owner() Owner { return Owner(d.own.Load()) }

// give publishes every field write made so far to the new owner.
func (d *Descriptor) give(o Owner) { d.own.Store(uint32(o)) }

// Slot is the fixed hardware buffer of the descriptor.
func (d *Descriptor) Slot() []byte { return d.slot }

// Count is the number of valid bytes in the slot.
func (d *Descriptor) Count() int { return d.count }

// FrameLength is the total frame length recorded on a last segment.
func (d *Descriptor) FrameLength() int { return d.frameLen }

// First reports the first-segment flag.
func (d *Descriptor) First() bool { return d.first }

// Last reports the last-segment flag.
func (d *Descriptor) Last() bool { return d.last }

// Next is the index of the following descriptor in the ring.
func (d *Descriptor) Next() int { return d.next }

// Ring is a fixed circular array of descriptors. Traversal follows the Next
// index of each descriptor; nothing is allocated or freed after creation.
type Ring struct {
	name     string
	slotSize int
	descs    []Descriptor
}

// NewRing carves count slots of slotSize bytes out of mem. Every descriptor
// starts owned by owner: the receive ring is handed to the controller, the
// transmit ring stays with software until a frame is queued.
func NewRing(name string, count, slotSize int, mem []byte, owner Owner) (*Ring, error) {
	if count <= 0 {
		return nil, fault.Configf(name+".descriptors", "must be positive, got %d", count)
	}
	if slotSize <= 0 {
		return nil, fault.Configf(name+".slot_size", "must be positive, got %d", slotSize)
	}
	if len(mem) < count*slotSize {
		return nil, fault.Configf(name+".memory", "need %d bytes, have %d", count*slotSize, len(mem))
	}

	r := &Ring{name: name, slotSize: slotSize, descs: make([]Descriptor, count)}
	for i := range r.descs {
		d := &r.descs[i]
		off := i * slotSize
		d.slot = mem[off : off+slotSize : off+slotSize]
		d.next = (i + 1) % count
		d.give(owner)
	}
	return r, nil
}

// Name returns the ring name.
func (r *Ring) Name() string { return r.name }

// Len is the number of descriptors.
func (r *Ring) Len() int { return len(r.descs) }

// SlotSize is the size of every hardware slot.
func (r *Ring) SlotSize() int { return r.slotSize }

// Descriptor returns descriptor i.
func (r *Ring) Descriptor(i int) *Descriptor { return &r.descs[i] }

// Owned counts the descriptors currently owned by o.
func (r *Ring) Owned(o Owner) int {
	n := 0
	for i := range r.descs {
		if r.descs[i].Owner() == o {
			n++
		}
	}
	return n
}

// slotsFor is the number of descriptors a frame of n bytes occupies.
func (r *Ring) slotsFor(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + r.slotSize - 1) / r.slotSize
}
