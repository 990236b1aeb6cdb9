package dma

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
)

var (
	// ErrNoFrame is returned by Receive when no complete frame is waiting.
	ErrNoFrame = errors.New("dma: no frame ready")
	// ErrFrameTooLarge is returned by Transmit for a frame that needs more
	// slots than the ring has.
	ErrFrameTooLarge = fmt.Errorf("dma: frame exceeds transmit ring: %w", fault.ErrResourceExhausted)
	// ErrBadLength is returned by Receive when the controller reports more
	// bytes than its descriptors hold. The frame is dropped.
	ErrBadLength = errors.New("dma: frame length exceeds descriptor data")
)

// Counters is a snapshot of engine activity.
type Counters struct {
	RxFrames     uint64
	RxBytes      uint64
	RxAllocDrops uint64
	RxBadLength  uint64
	RxOrphans    uint64
	RxResumes    uint64
	TxFrames     uint64
	TxBytes      uint64
	TxBusy       uint64
	TxUnderflows uint64
}

type counters struct {
	rxFrames, rxBytes, rxAllocDrops, rxBadLength, rxOrphans, rxResumes atomic.Uint64
	txFrames, txBytes, txBusy, txUnderflows                            atomic.Uint64
}

// Engine copies frames between the descriptor rings and frame buffers.
//
// Receive and Transmit must be called from a single goroutine, the ingress
// task. The controller side runs concurrently and is only ever synchronized
// through the ownership bits.
type Engine struct {
	log   *slog.Logger
	rx    *Ring
	tx    *Ring
	mac   MAC
	cache Cache

	rxNext int
	txNext int

	stats counters
}

// NewEngine binds the rings to a controller. A nil cache means the target
// has none.
func NewEngine(l *slog.Logger, rx, tx *Ring, mac MAC, cache Cache) (*Engine, error) {
	if rx == nil || tx == nil {
		return nil, fault.Configf("dma.rings", "receive and transmit rings are required")
	}
	if mac == nil {
		return nil, fault.Configf("dma.mac", "controller is required")
	}
	if l == nil {
		l = slog.Default()
	}
	if cache == nil {
		cache = NoCache{}
	}
	return &Engine{
		log:   l.With("component", "dma"),
		rx:    rx,
		tx:    tx,
		mac:   mac,
		cache: cache,
	}, nil
}

// RxRing returns the receive ring.
func (e *Engine) RxRing() *Ring { return e.rx }

// TxRing returns the transmit ring.
func (e *Engine) TxRing() *Ring { return e.tx }

// Counters returns a snapshot of the engine counters.
func (e *Engine) Counters() Counters {
	return Counters{
		RxFrames:     e.stats.rxFrames.Load(),
		RxBytes:      e.stats.rxBytes.Load(),
		RxAllocDrops: e.stats.rxAllocDrops.Load(),
		RxBadLength:  e.stats.rxBadLength.Load(),
		RxOrphans:    e.stats.rxOrphans.Load(),
		RxResumes:    e.stats.rxResumes.Load(),
		TxFrames:     e.stats.txFrames.Load(),
		TxBytes:      e.stats.txBytes.Load(),
		TxBusy:       e.stats.txBusy.Load(),
		TxUnderflows: e.stats.txUnderflows.Load(),
	}
}

// Receive takes the next completed frame off the receive ring and copies it
// into a buffer from pool. Every descriptor of the frame goes back to the
// controller, including when the allocation fails and the frame is dropped.
func (e *Engine) Receive(pool *frame.Pool) (*frame.Buffer, error) {
	defer e.resumeReceive()

	first, segs, length, held, ok := e.nextFrame()
	if !ok {
		return nil, ErrNoFrame
	}
	if length > held {
		e.reclaim(first, segs)
		e.stats.rxBadLength.Add(1)
		return nil, fmt.Errorf("%w: %d reported, %d in %d descriptors", ErrBadLength, length, held, segs)
	}

	buf, err := pool.Alloc(length, 0)
	if err != nil {
		e.reclaim(first, segs)
		e.stats.rxAllocDrops.Add(1)
		return nil, fmt.Errorf("dma: receive %d byte frame: %w", length, err)
	}

	// Merge the descriptor chain into the buffer chain. Either side may run
	// out first; each advances independently.
	seg, segOff := buf.First(), 0
	remaining := length
	idx := first
	for i := 0; i < segs && remaining > 0; i++ {
		d := &e.rx.descs[idx]
		src := d.slot[:min(d.count, remaining)]
		e.cache.Invalidate(src)
		remaining -= len(src)
		for len(src) > 0 && seg != nil {
			dst := seg.Bytes()[segOff:]
			if len(dst) == 0 {
				seg, segOff = seg.Next(), 0
				continue
			}
			n := copy(dst, src)
			src = src[n:]
			segOff += n
		}
		idx = d.next
	}

	e.reclaim(first, segs)
	e.stats.rxFrames.Add(1)
	e.stats.rxBytes.Add(uint64(length))
	return buf, nil
}

// nextFrame locates the first..last run at the receive cursor. Descriptors
// the controller returned without a first-segment flag cannot start a frame
// and are handed straight back. held is the byte count the run's
// descriptors actually carry.
func (e *Engine) nextFrame() (first, segs, length, held int, ok bool) {
	for range e.rx.Len() {
		d := &e.rx.descs[e.rxNext]
		if d.Owner() != OwnedBySoftware {
			return 0, 0, 0, 0, false
		}
		if d.first {
			break
		}
		e.log.Debug("reclaiming orphan receive descriptor", "index", e.rxNext)
		e.stats.rxOrphans.Add(1)
		next := d.next
		d.give(OwnedByDMA)
		e.rxNext = next
	}

	first = e.rxNext
	idx := first
	for segs = 1; segs <= e.rx.Len(); segs++ {
		d := &e.rx.descs[idx]
		if d.Owner() != OwnedBySoftware {
			// Controller is still writing this frame.
			return 0, 0, 0, 0, false
		}
		held += d.count
		if d.last {
			return first, segs, d.frameLen, held, true
		}
		idx = d.next
	}
	return 0, 0, 0, 0, false
}

func (e *Engine) reclaim(first, segs int) {
	idx := first
	for range segs {
		d := &e.rx.descs[idx]
		next := d.next
		d.first, d.last = false, false
		d.count, d.frameLen = 0, 0
		d.give(OwnedByDMA)
		idx = next
	}
	e.rxNext = idx
}

func (e *Engine) resumeReceive() {
	if e.mac.Status()&StatusRxUnavailable == 0 {
		return
	}
	e.mac.ClearStatus(StatusRxUnavailable)
	e.mac.ResumeReceive()
	e.stats.rxResumes.Add(1)
}

// Transmit copies buf into successive transmit slots and starts the
// controller with a single command for the whole frame. When any slot the
// frame needs is still owned by the controller it fails with
// fault.ErrHardwareBusy before writing anything. buf stays owned by the
// caller either way.
func (e *Engine) Transmit(buf *frame.Buffer) error {
	defer e.resumeTransmit()

	total := buf.Len()
	need := e.tx.slotsFor(total)
	if need > e.tx.Len() {
		return fmt.Errorf("%w: %d bytes in %d slots of %d", ErrFrameTooLarge, total, e.tx.Len(), e.tx.slotSize)
	}

	idx := e.txNext
	for range need {
		d := &e.tx.descs[idx]
		if d.Owner() == OwnedByDMA {
			e.stats.txBusy.Add(1)
			return fmt.Errorf("dma: transmit descriptor %d: %w", idx, fault.ErrHardwareBusy)
		}
		idx = d.next
	}

	idx = e.txNext
	d := &e.tx.descs[idx]
	d.count = 0
	for seg := buf.First(); seg != nil; seg = seg.Next() {
		src := seg.Bytes()
		for len(src) > 0 {
			if d.count == len(d.slot) {
				idx = d.next
				d = &e.tx.descs[idx]
				d.count = 0
			}
			n := copy(d.slot[d.count:], src)
			d.count += n
			src = src[n:]
		}
	}

	// Flush and flag every slot, then hand them over last to first so the
	// controller never sees the head of a half-built chain.
	idx = e.txNext
	chain := make([]int, 0, need)
	for i := range need {
		d := &e.tx.descs[idx]
		d.first = i == 0
		d.last = i == need-1
		d.frameLen = 0
		if d.last {
			d.frameLen = total
		}
		e.cache.Flush(d.slot[:d.count])
		chain = append(chain, idx)
		idx = d.next
	}
	for i := len(chain) - 1; i >= 0; i-- {
		e.tx.descs[chain[i]].give(OwnedByDMA)
	}
	e.txNext = idx

	e.mac.TransmitFrame(total)
	e.stats.txFrames.Add(1)
	e.stats.txBytes.Add(uint64(total))
	return nil
}

func (e *Engine) resumeTransmit() {
	if e.mac.Status()&StatusTxUnderflow == 0 {
		return
	}
	e.mac.ClearStatus(StatusTxUnderflow)
	e.mac.ResumeTransmit()
	e.stats.txUnderflows.Add(1)
}
