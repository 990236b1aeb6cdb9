// Package ipv4 is the network stage. On receive it validates the IPv4
// header and dispatches on the protocol field; on transmit it composes the
// header, resolves the next hop from a static neighbour table and hands the
// frame to the Ethernet stage.
package ipv4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/ethernet"
	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/osal"
	"github.com/tinyrange/gistack/internal/route"
)

// Outbound link indices of the IPv4 interface.
const (
	LinkDown = 0 // send descriptors to the Ethernet task
	LinkUDP  = 1
	LinkTCP  = 2
	NumLinks = 3
)

// HeaderRoom is the headroom a transport payload needs to pass through both
// the IPv4 and Ethernet stages.
const HeaderRoom = header.IPv4MinimumSize + ethernet.HeaderRoom

// DefaultTTL is used when a send descriptor carries TTL 0.
const DefaultTTL = 64

var (
	// ErrMalformed is returned for a received packet that fails header
	// validation.
	ErrMalformed = errors.New("ipv4: malformed packet")
	// ErrNoNeighbor is returned when the next hop has no static entry.
	ErrNoNeighbor = fmt.Errorf("ipv4: no neighbour entry: %w", fault.ErrUnroutable)
	// ErrNotForUs is returned for a packet addressed elsewhere.
	ErrNotForUs = fmt.Errorf("ipv4: not addressed to this host: %w", fault.ErrUnroutable)
	// ErrUnexpectedMessage is returned for a message type the stage does
	// not handle.
	ErrUnexpectedMessage = errors.New("ipv4: unexpected message")
)

// NewRouter returns the protocol-field router: UDP and TCP go to their
// uplinks, everything else is discarded.
func NewRouter() (*route.ProtocolSwitch, error) {
	return route.NewProtocolSwitch(NumLinks, map[uint32]route.Verdict{
		uint32(header.UDPProtocolNumber): route.Forward(LinkUDP),
		uint32(header.TCPProtocolNumber): route.Forward(LinkTCP),
	})
}

// Config wires the stage.
type Config struct {
	Ethernet *ethernet.Stage
	LinkAddr tcpip.LinkAddress
	Addr     tcpip.Address
	// Neighbors is the static next-hop table.
	Neighbors       map[tcpip.Address]tcpip.LinkAddress
	SendDescriptors int
	// Packets bounds the received packets held by upper layers.
	Packets int
}

// Stage implements stage.Stage for the IPv4 interface.
type Stage struct {
	log       *slog.Logger
	eth       *ethernet.Stage
	linkAddr  tcpip.LinkAddress
	addr      tcpip.Address
	neighbors map[tcpip.Address]tcpip.LinkAddress
	router    *route.ProtocolSwitch
	descs     *osal.Pool[SendDescriptor]
	packets   *osal.Pool[Packet]
	out       *link.Link

	ident uint16
}

// New validates cfg and allocates the descriptor and packet pools.
func New(l *slog.Logger, cfg Config) (*Stage, error) {
	if cfg.Ethernet == nil {
		return nil, fault.Configf("ipv4.ethernet", "ethernet stage is required")
	}
	if cfg.Addr.Len() != header.IPv4AddressSize {
		return nil, fault.Configf("ipv4.address", "%q is not an IPv4 address", cfg.Addr)
	}
	if len(cfg.LinkAddr) != header.EthernetAddressSize {
		return nil, fault.Configf("ipv4.link_address", "%q is not a MAC address", cfg.LinkAddr)
	}
	router, err := NewRouter()
	if err != nil {
		return nil, err
	}
	descs, err := osal.NewPool[SendDescriptor]("ipv4.send_descriptors", cfg.SendDescriptors)
	if err != nil {
		return nil, err
	}
	packets, err := osal.NewPool[Packet]("ipv4.packets", cfg.Packets)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}
	return &Stage{
		log:       l.With("stage", "ipv4"),
		eth:       cfg.Ethernet,
		linkAddr:  cfg.LinkAddr,
		addr:      cfg.Addr,
		neighbors: maps.Clone(cfg.Neighbors),
		router:    router,
		descs:     descs,
		packets:   packets,
	}, nil
}

// Addr is the local address.
func (s *Stage) Addr() tcpip.Address { return s.addr }

// LinkAddr is the local hardware address used as the frame source.
func (s *Stage) LinkAddr() tcpip.LinkAddress { return s.linkAddr }

// BindOutput sets the link Output posts on. It must be consumed by the IPv4
// interface, and only one task may call Output.
func (s *Stage) BindOutput(l *link.Link) { s.out = l }

// Descriptors exposes the send descriptor pool for accounting.
func (s *Stage) Descriptors() *osal.Pool[SendDescriptor] { return s.descs }

// Packets exposes the received packet pool for accounting.
func (s *Stage) Packets() *osal.Pool[Packet] { return s.packets }

// Classify implements stage.Stage.
func (s *Stage) Classify(_ context.Context, c *route.Context) error {
	switch msg := c.Msg.(type) {
	case *frame.Buffer:
		return s.receive(c, msg)
	case *SendDescriptor:
		return s.transmit(c, msg)
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
}

func (s *Stage) receive(c *route.Context, buf *frame.Buffer) error {
	hdr, ok := buf.Header(header.IPv4MinimumSize)
	if !ok {
		return fmt.Errorf("%w: %d byte packet", ErrMalformed, buf.Len())
	}
	ip := header.IPv4(hdr)
	hlen := int(ip.HeaderLength())
	if hdr, ok = buf.Header(hlen); !ok {
		return fmt.Errorf("%w: header of %d bytes split across segments", ErrMalformed, hlen)
	}
	ip = header.IPv4(hdr)
	if !ip.IsValid(buf.Len()) {
		return fmt.Errorf("%w: invalid header", ErrMalformed)
	}
	if ip.CalculateChecksum() != 0xffff {
		return fmt.Errorf("%w: bad checksum", ErrMalformed)
	}
	dst := ip.DestinationAddress()
	if dst != s.addr && dst != header.IPv4Broadcast {
		return fmt.Errorf("%w: %s", ErrNotForUs, dst)
	}

	pkt, err := s.packets.Alloc()
	if err != nil {
		return fmt.Errorf("ipv4: packet: %w", err)
	}
	*pkt = Packet{
		Src:      ip.SourceAddress(),
		Dst:      dst,
		TTL:      ip.TTL(),
		Protocol: ip.TransportProtocol(),
		pool:     s.packets,
	}
	// Drop Ethernet padding, then the header.
	buf.Truncate(int(ip.TotalLength()))
	if err := buf.Strip(hlen); err != nil {
		pkt.Release()
		return err
	}
	pkt.Frame = buf

	c.Msg = pkt
	c.Class = route.ClassIPv4
	c.Protocol = uint32(pkt.Protocol)
	return nil
}

func (s *Stage) transmit(c *route.Context, d *SendDescriptor) error {
	c.Class = route.ClassTransmit

	mac, err := s.resolve(d.Dst)
	if err != nil {
		return err
	}
	total := d.Frame.Len() + header.IPv4MinimumSize
	if total > 0xffff {
		return fmt.Errorf("%w: %d byte packet", ErrMalformed, total)
	}
	room, err := d.Frame.Push(header.IPv4MinimumSize)
	if err != nil {
		return fmt.Errorf("ipv4: packet header: %w", err)
	}
	ttl := d.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	s.ident++
	ip := header.IPv4(room)
	ip.Encode(&header.IPv4Fields{
		TOS:         d.TOS,
		TotalLength: uint16(total),
		ID:          s.ident,
		TTL:         ttl,
		Protocol:    uint8(d.Protocol),
		SrcAddr:     d.Src,
		DstAddr:     d.Dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	f := d.Frame
	d.Frame = nil
	d.Release()
	c.Msg = nil

	ed, err := s.eth.NewSendDescriptor(f, s.linkAddr, mac, header.IPv4ProtocolNumber)
	if err != nil {
		return err
	}
	c.Msg = ed
	return nil
}

func (s *Stage) resolve(dst tcpip.Address) (tcpip.LinkAddress, error) {
	if dst == header.IPv4Broadcast {
		return header.EthernetBroadcastAddress, nil
	}
	if mac, ok := s.neighbors[dst]; ok {
		return mac, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoNeighbor, dst)
}

// Route implements stage.Stage. Transmit frames always go down.
func (s *Stage) Route(c *route.Context) route.Verdict {
	if c.Class == route.ClassTransmit {
		return route.Forward(LinkDown)
	}
	return s.router.Route(c)
}
