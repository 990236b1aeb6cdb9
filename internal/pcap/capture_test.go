package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/gistack/internal/frame"
)

func TestCaptureProducesExpectedStream(t *testing.T) {
	var buf bytes.Buffer
	const snapLen = 512
	c, err := NewCapture(&buf, snapLen)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	ts := time.Unix(1_700_000_000, 250_000_000)
	c.now = func() time.Time { return ts }

	if err := c.WriteFrame([]byte{0xaa, 0xbb}, []byte{0xcc, 0xdd, 0xee}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	payload := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}

	got := buf.Bytes()
	if want := 24 + 16 + len(payload); len(got) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(got))
	}

	global := got[:24]
	if magic := binary.LittleEndian.Uint32(global[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if major := binary.LittleEndian.Uint16(global[4:6]); major != 2 {
		t.Fatalf("unexpected major version %d", major)
	}
	if snap := binary.LittleEndian.Uint32(global[16:20]); snap != snapLen {
		t.Fatalf("unexpected snaplen %d", snap)
	}
	if link := binary.LittleEndian.Uint32(global[20:24]); link != LinkTypeEthernet {
		t.Fatalf("unexpected linktype %d", link)
	}

	record := got[24 : 24+16]
	if sec := binary.LittleEndian.Uint32(record[0:4]); sec != uint32(ts.Unix()) {
		t.Fatalf("unexpected timestamp seconds %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(record[4:8]); usec != 250_000 {
		t.Fatalf("unexpected timestamp microseconds %d", usec)
	}
	if !bytes.Equal(got[24+16:], payload) {
		t.Fatalf("payload mismatch: got %x, want %x", got[24+16:], payload)
	}
}

func TestCaptureTruncatesToSnapLength(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewCapture(&buf, 4)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	if err := c.WriteFrame([]byte{0, 1, 2}, []byte{3, 4, 5}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	record := buf.Bytes()[24:]
	if capLen := binary.LittleEndian.Uint32(record[8:12]); capLen != 4 {
		t.Fatalf("caplen = %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(record[12:16]); origLen != 6 {
		t.Fatalf("origlen = %d", origLen)
	}
	if !bytes.Equal(record[16:], []byte{0, 1, 2, 3}) {
		t.Fatalf("data = %x", record[16:])
	}
	if records, truncated := c.Stats(); records != 1 || truncated != 1 {
		t.Fatalf("stats = %d, %d", records, truncated)
	}
}

func TestCaptureWritesChainedBuffer(t *testing.T) {
	pool, err := frame.NewPool("cap", 16, make([]byte, 64))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	b, err := pool.Alloc(40, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer b.Release()
	want := bytes.Repeat([]byte{0x42}, 40)
	b.CopyFrom(want)

	var buf bytes.Buffer
	c, err := NewCapture(&buf, 1500)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	if err := c.WriteBuffer(b); err != nil {
		t.Fatalf("write buffer: %v", err)
	}
	if !bytes.Equal(buf.Bytes()[24+16:], want) {
		t.Fatalf("chained data mismatch")
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, errors.New("disk full")
	}
	w.n--
	return len(p), nil
}

func TestCaptureDisablesAfterWriteError(t *testing.T) {
	c, err := NewCapture(&failingWriter{n: 1}, 64)
	if err != nil {
		t.Fatalf("new capture: %v", err)
	}
	if err := c.WriteFrame([]byte{1}); err == nil {
		t.Fatalf("expected write error")
	}
	if err := c.WriteFrame([]byte{1}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
	if c.Err() == nil {
		t.Fatalf("error not retained")
	}
}
