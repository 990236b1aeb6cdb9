// Package ethernet is the wire-facing stage. It pulls received frames out
// of the DMA engine, dispatches them on destination address and ethertype,
// and frames outgoing packets for transmission.
package ethernet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/osal"
	"github.com/tinyrange/gistack/internal/pcap"
	"github.com/tinyrange/gistack/internal/route"
)

// Outbound link indices of the Ethernet interface.
const (
	LinkMAC      = 0 // receive notifications from the controller
	LinkCritical = 1 // statically resolved IP module; ARP is dropped
	LinkIPv4     = 2 // dynamic IP module
	LinkARP      = 3 // ARP for the dynamic IP module
	NumLinks     = 4
)

// HeaderRoom is the headroom a transmit frame needs for the Ethernet
// header.
const HeaderRoom = header.EthernetMinimumSize

// ErrUnexpectedMessage is returned for a message type the stage does not
// handle.
var ErrUnexpectedMessage = errors.New("ethernet: unexpected message")

type rxNotify struct{}

func (rxNotify) Release() {}

// RxNotify is the message the receive interrupt posts on the MAC link.
var RxNotify link.Message = rxNotify{}

// Interrupt returns a receive interrupt handler that posts RxNotify on l.
// A full link loses the notification; the ring size is validated against
// the link capacity so that cannot happen.
func Interrupt(l *link.Link) func() {
	return func() { _ = l.Send(RxNotify) }
}

// NewTable builds the address table of the Ethernet interface. Frames for
// critical go to the static-ARP module with ARP dropped. Frames for dynamic,
// and frames for any unregistered address such as broadcast, send IPv4 to
// the IP module and everything else to ARP.
func NewTable(critical, dynamic tcpip.LinkAddress) (*route.AddressTable, error) {
	dyn := route.Entry{
		Name:     "dynamic",
		Addr:     dynamic,
		Verdicts: map[route.Class]route.Verdict{route.ClassIPv4: route.Forward(LinkIPv4)},
		Fallback: route.Forward(LinkARP),
	}
	def := dyn
	def.Name, def.Addr = "default", ""
	return route.NewAddressTable(NumLinks, &def,
		route.Entry{
			Name:     "critical",
			Addr:     critical,
			Verdicts: map[route.Class]route.Verdict{route.ClassARP: route.Discard},
			Fallback: route.Forward(LinkCritical),
		},
		dyn,
	)
}

// Config wires the stage to its collaborators.
type Config struct {
	Engine *dma.Engine
	// Pool supplies receive buffers.
	Pool  *frame.Pool
	Table *route.AddressTable
	// SendDescriptors bounds the transmits in flight.
	SendDescriptors int
	// Capture, if set, records every frame received and transmitted.
	Capture *pcap.Capture
}

// Stage implements stage.Stage for the Ethernet interface.
type Stage struct {
	log     *slog.Logger
	engine  *dma.Engine
	pool    *frame.Pool
	table   *route.AddressTable
	capture *pcap.Capture
	descs   *osal.Pool[SendDescriptor]
	out     *link.Link
}

// New validates cfg and allocates the send descriptor pool.
func New(l *slog.Logger, cfg Config) (*Stage, error) {
	if cfg.Engine == nil || cfg.Pool == nil || cfg.Table == nil {
		return nil, fault.Configf("ethernet", "engine, pool and address table are required")
	}
	descs, err := osal.NewPool[SendDescriptor]("ethernet.send_descriptors", cfg.SendDescriptors)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}
	return &Stage{
		log:     l.With("stage", "ethernet"),
		engine:  cfg.Engine,
		pool:    cfg.Pool,
		table:   cfg.Table,
		capture: cfg.Capture,
		descs:   descs,
	}, nil
}

// BindOutput sets the link Output posts on. It must be consumed by the
// Ethernet interface, and only one task may call Output.
func (s *Stage) BindOutput(l *link.Link) { s.out = l }

// Descriptors exposes the send descriptor pool for accounting.
func (s *Stage) Descriptors() *osal.Pool[SendDescriptor] { return s.descs }

// Classify implements stage.Stage.
func (s *Stage) Classify(_ context.Context, c *route.Context) error {
	switch msg := c.Msg.(type) {
	case rxNotify:
		return s.receive(c)
	case *SendDescriptor:
		return s.transmit(c, msg)
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
}

func (s *Stage) receive(c *route.Context) error {
	c.Msg = nil
	buf, err := s.engine.Receive(s.pool)
	if errors.Is(err, dma.ErrNoFrame) {
		return nil
	}
	if err != nil {
		return err
	}
	c.Msg = buf

	if s.capture != nil {
		_ = s.capture.WriteBuffer(buf)
	}

	hdr, ok := buf.Header(header.EthernetMinimumSize)
	if !ok {
		return fmt.Errorf("ethernet: runt frame of %d bytes: %w", buf.Len(), fault.ErrUnroutable)
	}
	eth := header.Ethernet(hdr)
	c.LinkAddr = eth.DestinationAddress()
	c.Protocol = uint32(eth.Type())
	switch eth.Type() {
	case header.IPv4ProtocolNumber:
		c.Class = route.ClassIPv4
	case header.ARPProtocolNumber:
		c.Class = route.ClassARP
	default:
		c.Class = route.ClassUnknown
	}
	return buf.Strip(header.EthernetMinimumSize)
}

func (s *Stage) transmit(c *route.Context, d *SendDescriptor) error {
	c.Class = route.ClassTransmit

	room, err := d.Frame.Push(header.EthernetMinimumSize)
	if err != nil {
		return fmt.Errorf("ethernet: frame header: %w", err)
	}
	header.Ethernet(room).Encode(&header.EthernetFields{
		SrcAddr: d.Src,
		DstAddr: d.Dst,
		Type:    d.Type,
	})
	if s.capture != nil {
		_ = s.capture.WriteBuffer(d.Frame)
	}
	if err := s.engine.Transmit(d.Frame); err != nil {
		return err
	}
	d.Release()
	c.Msg = nil
	return nil
}

// Route implements stage.Stage. The transmit direction is never routed.
func (s *Stage) Route(c *route.Context) route.Verdict {
	if c.Class == route.ClassTransmit {
		return route.NotRouted
	}
	return s.table.Route(c)
}
