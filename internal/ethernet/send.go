package ethernet

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/osal"
)

// SendDescriptor carries a frame to the Ethernet task for transmission.
// Frame must have HeaderRoom bytes of headroom.
type SendDescriptor struct {
	Frame *frame.Buffer
	Src   tcpip.LinkAddress
	Dst   tcpip.LinkAddress
	Type  tcpip.NetworkProtocolNumber

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

// NewSendDescriptor wraps f for transmission. On failure f is freed and the
// error wraps fault.ErrResourceExhausted.
func (s *Stage) NewSendDescriptor(f *frame.Buffer, src, dst tcpip.LinkAddress, typ tcpip.NetworkProtocolNumber) (*SendDescriptor, error) {
	d, err := s.descs.Alloc()
	if err != nil {
		f.Release()
		return nil, fmt.Errorf("ethernet: send descriptor: %w", err)
	}
	*d = SendDescriptor{Frame: f, Src: src, Dst: dst, Type: typ, pool: s.descs}
	return d, nil
}

// Output queues f for transmission on the bound output link. Ownership of
// f passes to the call: it is freed here on any failure.
func (s *Stage) Output(f *frame.Buffer, src, dst tcpip.LinkAddress, typ tcpip.NetworkProtocolNumber) error {
	if s.out == nil {
		f.Release()
		return fault.Configf("ethernet.output", "no output link bound")
	}
	d, err := s.NewSendDescriptor(f, src, dst, typ)
	if err != nil {
		return err
	}
	if err := s.out.Send(d); err != nil {
		d.Release()
		return err
	}
	return nil
}
