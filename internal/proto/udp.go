package proto

import (
	"context"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/ipv4"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/stage"
)

// EchoPort is the well-known UDP echo port.
const EchoPort = 7

// EchoConfig wires a UDPEcho.
type EchoConfig struct {
	IPv4 *ipv4.Stage
	Pool *frame.Pool
	// Port is the port served; zero serves every port.
	Port     uint16
	Recorder stage.Recorder
}

// UDPEcho returns every datagram to its sender. It must run on the task
// that owns the IPv4 stage's output link.
type UDPEcho struct {
	log *slog.Logger
	cfg EchoConfig
	c   counters
}

// NewUDPEcho validates cfg.
func NewUDPEcho(l *slog.Logger, cfg EchoConfig) (*UDPEcho, error) {
	if cfg.IPv4 == nil || cfg.Pool == nil {
		return nil, fault.Configf("udp_echo", "ipv4 stage and frame pool are required")
	}
	if l == nil {
		l = slog.Default()
	}
	return &UDPEcho{log: l.With("component", "udp-echo"), cfg: cfg}, nil
}

// Counters returns a snapshot of the service's counters.
func (e *UDPEcho) Counters() Counters { return e.c.snapshot() }

// Handle is a link.Handler for *ipv4.Packet.
func (e *UDPEcho) Handle(_ context.Context, msg link.Message) error {
	pkt, ok := msg.(*ipv4.Packet)
	if !ok || pkt.Frame == nil {
		return fmt.Errorf("%w: %T on udp link", ErrMalformed, msg)
	}
	e.c.messages.Add(1)
	e.c.bytes.Add(uint64(pkt.Frame.Len()))

	hdr, ok := pkt.Frame.Header(header.UDPMinimumSize)
	if !ok {
		return fmt.Errorf("%w: %d byte datagram", ErrMalformed, pkt.Frame.Len())
	}
	u := header.UDP(hdr)
	length := int(u.Length())
	if length < header.UDPMinimumSize || length > pkt.Frame.Len() {
		return fmt.Errorf("%w: udp length %d of %d", ErrMalformed, length, pkt.Frame.Len())
	}
	if e.cfg.Port != 0 && u.DestinationPort() != e.cfg.Port {
		e.c.ignored.Add(1)
		pkt.Release()
		return nil
	}

	data := pkt.Frame.Bytes()[:length]
	payload := data[header.UDPMinimumSize:]
	if u.Checksum() != 0 && !header.UDP(data).IsChecksumValid(pkt.Src, pkt.Dst, checksum.Checksum(payload, 0)) {
		return fmt.Errorf("%w: bad udp checksum", ErrMalformed)
	}

	src := pkt.Dst
	if src == header.IPv4Broadcast {
		src = e.cfg.IPv4.Addr()
	}
	dst := pkt.Src
	pkt.Release()

	f, err := e.cfg.Pool.Alloc(length, ipv4.HeaderRoom)
	if err != nil {
		replyFailed(e.cfg.Recorder, "udp-echo", err)
		return nil
	}
	f.CopyFrom(data)
	room, ok := f.Header(header.UDPMinimumSize)
	if !ok {
		f.Release()
		replyFailed(e.cfg.Recorder, "udp-echo", fmt.Errorf("%w: udp header split across %d byte blocks", ErrReplyLayout, e.cfg.Pool.BlockSize()))
		return nil
	}
	out := header.UDP(room)
	srcPort, dstPort := out.DestinationPort(), out.SourcePort()
	out.Encode(&header.UDPFields{SrcPort: srcPort, DstPort: dstPort, Length: uint16(length)})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(length))
	xsum = checksum.Checksum(payload, xsum)
	out.SetChecksum(^out.CalculateChecksum(xsum))

	if err := e.cfg.IPv4.Output(f, src, dst, 0, 0, header.UDPProtocolNumber); err != nil {
		replyFailed(e.cfg.Recorder, "udp-echo", err)
		return nil
	}
	e.c.replies.Add(1)
	return nil
}
