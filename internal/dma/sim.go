package dma

import (
	"fmt"
	"sync"

	"github.com/tinyrange/gistack/internal/fault"
)

// ErrRingFull is returned by SimMAC.Inject when the receive ring has no
// room for the frame. The controller drops the frame and raises
// StatusRxUnavailable.
var ErrRingFull = fmt.Errorf("dma: receive ring full: %w", fault.ErrResourceExhausted)

// simHistory bounds the frames and commands a SimMAC remembers.
const simHistory = 256

// SimMAC is a software model of the Ethernet controller. It plays the
// receive and transmit DMA against the same rings the Engine uses.
type SimMAC struct {
	rx *Ring
	tx *Ring

	mu          sync.Mutex
	rxNext      int
	txNext      int
	status      Status
	holdTx      bool
	underflow   bool
	commands    []int
	sent        [][]byte
	sentTotal   int
	rxDrops     int
	resumeTx    int
	resumeRx    int
	onReceive   func()
	onTransmit  func([]byte)
	lengthFault []string
}

// NewSimMAC builds a controller over the given rings.
func NewSimMAC(rx, tx *Ring) *SimMAC {
	return &SimMAC{rx: rx, tx: tx}
}

// OnReceive sets the receive interrupt handler. It runs on the injecting
// goroutine after the frame is visible to software.
func (m *SimMAC) OnReceive(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReceive = fn
}

// OnTransmit sets a callback that observes every frame put on the wire.
func (m *SimMAC) OnTransmit(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransmit = fn
}

// Inject plays the receive DMA: it writes frame into consecutive receive
// slots, flags the first and last segment, records the frame length and
// hands the descriptors to software.
func (m *SimMAC) Inject(frame []byte) error {
	m.mu.Lock()
	need := m.rx.slotsFor(len(frame))
	if need > m.rx.Len() {
		m.rxDrops++
		m.mu.Unlock()
		return fmt.Errorf("dma: inject %d bytes: %w", len(frame), ErrRingFull)
	}
	idx := m.rxNext
	for range need {
		if m.rx.descs[idx].Owner() != OwnedByDMA {
			m.status |= StatusRxUnavailable
			m.rxDrops++
			m.mu.Unlock()
			return fmt.Errorf("dma: inject %d bytes: descriptor %d busy: %w", len(frame), idx, ErrRingFull)
		}
		idx = m.rx.descs[idx].next
	}

	chain := make([]int, 0, need)
	idx = m.rxNext
	rest := frame
	for i := range need {
		d := &m.rx.descs[idx]
		n := copy(d.slot, rest)
		rest = rest[n:]
		d.count = n
		d.first = i == 0
		d.last = i == need-1
		d.frameLen = 0
		if d.last {
			d.frameLen = len(frame)
		}
		chain = append(chain, idx)
		idx = d.next
	}
	for i := len(chain) - 1; i >= 0; i-- {
		m.rx.descs[chain[i]].give(OwnedBySoftware)
	}
	m.rxNext = idx
	irq := m.onReceive
	m.mu.Unlock()

	if irq != nil {
		irq()
	}
	return nil
}

// TransmitFrame records the command and polls the transmit ring.
func (m *SimMAC) TransmitFrame(length int) {
	m.mu.Lock()
	m.commands = append(m.commands, length)
	if len(m.commands) > simHistory {
		m.commands = m.commands[1:]
	}
	if m.underflow {
		m.underflow = false
		m.status |= StatusTxUnderflow
		m.mu.Unlock()
		return
	}
	frames := m.pollTxLocked()
	cb := m.onTransmit
	m.mu.Unlock()

	if cb != nil {
		for _, f := range frames {
			cb(f)
		}
	}
}

// pollTxLocked sends every complete frame at the transmit cursor and
// returns the slots to software.
func (m *SimMAC) pollTxLocked() [][]byte {
	if m.holdTx || m.status&StatusTxUnderflow != 0 {
		return nil
	}
	var out [][]byte
	for {
		first := m.txNext
		d := &m.tx.descs[first]
		if d.Owner() != OwnedByDMA || !d.first {
			return out
		}

		var (
			data  []byte
			chain []int
			idx   = first
			ok    bool
		)
		for range m.tx.Len() {
			d := &m.tx.descs[idx]
			if d.Owner() != OwnedByDMA {
				break
			}
			data = append(data, d.slot[:d.count]...)
			chain = append(chain, idx)
			idx = d.next
			if d.last {
				ok = true
				if d.frameLen != len(data) {
					m.lengthFault = append(m.lengthFault,
						fmt.Sprintf("descriptor %d: frame length %d, slots hold %d", chain[len(chain)-1], d.frameLen, len(data)))
				}
				break
			}
		}
		if !ok {
			return out
		}
		for _, i := range chain {
			m.tx.descs[i].give(OwnedBySoftware)
		}
		m.txNext = idx
		m.sent = append(m.sent, data)
		if len(m.sent) > simHistory {
			m.sent = m.sent[1:]
		}
		m.sentTotal++
		out = append(out, data)
	}
}

// Status reads the status register.
func (m *SimMAC) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ClearStatus acknowledges status bits.
func (m *SimMAC) ClearStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status &^= s
}

// ResumeTransmit is a transmit poll demand.
func (m *SimMAC) ResumeTransmit() {
	m.mu.Lock()
	m.resumeTx++
	frames := m.pollTxLocked()
	cb := m.onTransmit
	m.mu.Unlock()

	if cb != nil {
		for _, f := range frames {
			cb(f)
		}
	}
}

// ResumeReceive is a receive poll demand.
func (m *SimMAC) ResumeReceive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeRx++
}

// HoldTransmit models a stalled transmit DMA: while held, queued frames
// keep their descriptors owned by the controller. Releasing the hold
// drains them.
func (m *SimMAC) HoldTransmit(hold bool) {
	m.mu.Lock()
	m.holdTx = hold
	var frames [][]byte
	if !hold {
		frames = m.pollTxLocked()
	}
	cb := m.onTransmit
	m.mu.Unlock()

	if cb != nil {
		for _, f := range frames {
			cb(f)
		}
	}
}

// FailNextTransmit makes the next TransmitFrame raise a transmit underflow
// instead of sending. The frame goes out on the following poll demand.
func (m *SimMAC) FailNextTransmit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.underflow = true
}

// SimStats describes what the simulated controller has seen.
type SimStats struct {
	Commands       []int // most recent transmit commands
	Sent           int
	RxDrops        int
	ResumeTransmit int
	ResumeReceive  int
	LengthFaults   []string
}

// Stats returns a copy of the controller's bookkeeping.
func (m *SimMAC) Stats() SimStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SimStats{
		Commands:       append([]int(nil), m.commands...),
		Sent:           m.sentTotal,
		RxDrops:        m.rxDrops,
		ResumeTransmit: m.resumeTx,
		ResumeReceive:  m.resumeRx,
		LengthFaults:   append([]string(nil), m.lengthFault...),
	}
}

// Sent returns copies of the most recently transmitted frames.
func (m *SimMAC) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, f := range m.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
