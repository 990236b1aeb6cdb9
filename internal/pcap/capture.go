// Package pcap records frames as a classic libpcap stream.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tinyrange/gistack/internal/frame"
)

// LinkTypeEthernet is the tcpdump DLT for Ethernet.
const LinkTypeEthernet uint32 = 1

// ErrDisabled is returned once a write to the underlying stream has failed.
// The capture stays disabled; the data path is never held up by it.
var ErrDisabled = errors.New("pcap: capture disabled after write error")

// Capture appends frames to a pcap stream. It is safe for concurrent use,
// so receive and transmit paths may share one capture.
type Capture struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen int
	now     func() time.Time
	err     error

	records   uint64
	truncated uint64
}

// NewCapture writes the global header to w. Frames longer than snapLen are
// truncated in the record, with their original length preserved.
func NewCapture(w io.Writer, snapLen int) (*Capture, error) {
	if snapLen <= 0 || snapLen > math.MaxInt32 {
		return nil, fmt.Errorf("pcap: invalid snap length %d", snapLen)
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(snapLen))
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Capture{w: w, snapLen: snapLen, now: time.Now}, nil
}

// WriteBuffer records the current contents of b, walking its segments.
func (c *Capture) WriteBuffer(b *frame.Buffer) error {
	var parts [][]byte
	for s := b.First(); s != nil; s = s.Next() {
		parts = append(parts, s.Bytes())
	}
	return c.WriteFrame(parts...)
}

// WriteFrame records one frame made of the concatenation of parts.
func (c *Capture) WriteFrame(parts ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return ErrDisabled
	}

	length := 0
	for _, p := range parts {
		length += len(p)
	}
	capLen := min(length, c.snapLen)
	if capLen < length {
		c.truncated++
	}

	ts := c.now()
	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(capLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(length))
	if err := c.write(rec[:]); err != nil {
		return err
	}

	left := capLen
	for _, p := range parts {
		if left == 0 {
			break
		}
		n := min(len(p), left)
		if err := c.write(p[:n]); err != nil {
			return err
		}
		left -= n
	}
	c.records++
	return nil
}

func (c *Capture) write(b []byte) error {
	if _, err := c.w.Write(b); err != nil {
		c.err = err
		return fmt.Errorf("pcap: write record: %w", err)
	}
	return nil
}

// Stats returns the number of records written and how many were truncated.
func (c *Capture) Stats() (records, truncated uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records, c.truncated
}

// Err returns the write error that disabled the capture, if any.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
