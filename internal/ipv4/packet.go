package ipv4

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/osal"
)

// Packet is a received datagram handed to a transport uplink. Frame starts
// at the transport header.
type Packet struct {
	Frame    *frame.Buffer
	Src      tcpip.Address
	Dst      tcpip.Address
	TTL      uint8
	Protocol tcpip.TransportProtocolNumber

	pool *osal.Pool[Packet]
}

// Release frees the frame and returns the packet to its pool.
func (p *Packet) Release() {
	if p.Frame != nil {
		p.Frame.Release()
		p.Frame = nil
	}
	if pool := p.pool; pool != nil {
		p.pool = nil
		_ = pool.Free(p)
	}
}

// SendDescriptor carries a transport payload to the IPv4 task. Frame must
// have HeaderRoom bytes of headroom.
type SendDescriptor struct {
	Frame    *frame.Buffer
	Src      tcpip.Address
	Dst      tcpip.Address
	TTL      uint8
	TOS      uint8
	Protocol tcpip.TransportProtocolNumber

	pool *osal.Pool[SendDescriptor]
}

// Release frees the frame and returns the descriptor to its pool.
func (d *SendDescriptor) Release() {
	if d.Frame != nil {
		d.Frame.Release()
		d.Frame = nil
	}
	if p := d.pool; p != nil {
		d.pool = nil
		_ = p.Free(d)
	}
}

// Output queues f for transmission from src to dst. Ownership of f passes
// to the call: it is freed here on any failure. A zero src uses the local
// address.
func (s *Stage) Output(f *frame.Buffer, src, dst tcpip.Address, ttl, tos uint8, proto tcpip.TransportProtocolNumber) error {
	if s.out == nil {
		f.Release()
		return fault.Configf("ipv4.output", "no output link bound")
	}
	d, err := s.descs.Alloc()
	if err != nil {
		f.Release()
		return fmt.Errorf("ipv4: send descriptor: %w", err)
	}
	if src.Len() == 0 {
		src = s.addr
	}
	*d = SendDescriptor{Frame: f, Src: src, Dst: dst, TTL: ttl, TOS: tos, Protocol: proto, pool: s.descs}
	if err := s.out.Send(d); err != nil {
		d.Release()
		return err
	}
	return nil
}
