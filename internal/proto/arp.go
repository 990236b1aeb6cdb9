package proto

import (
	"context"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/ethernet"
	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/stage"
)

// ARPConfig wires an ARPResponder.
type ARPConfig struct {
	Ethernet *ethernet.Stage
	Pool     *frame.Pool
	LinkAddr tcpip.LinkAddress
	Addr     tcpip.Address
	Recorder stage.Recorder
}

// ARPResponder answers ARP requests for one IPv4 address. It must run on
// the task that owns the Ethernet stage's output link.
type ARPResponder struct {
	log *slog.Logger
	cfg ARPConfig
	c   counters
}

// NewARPResponder validates cfg.
func NewARPResponder(l *slog.Logger, cfg ARPConfig) (*ARPResponder, error) {
	if cfg.Ethernet == nil || cfg.Pool == nil {
		return nil, fault.Configf("arp", "ethernet stage and frame pool are required")
	}
	if len(cfg.LinkAddr) != header.EthernetAddressSize || cfg.Addr.Len() != header.IPv4AddressSize {
		return nil, fault.Configf("arp", "bad local addresses %v %v", cfg.LinkAddr, cfg.Addr)
	}
	if l == nil {
		l = slog.Default()
	}
	return &ARPResponder{log: l.With("component", "arp"), cfg: cfg}, nil
}

// Counters returns a snapshot of the responder's counters.
func (a *ARPResponder) Counters() Counters { return a.c.snapshot() }

// Handle is a link.Handler for frames with the Ethernet header stripped.
func (a *ARPResponder) Handle(_ context.Context, msg link.Message) error {
	buf, ok := msg.(*frame.Buffer)
	if !ok {
		return fmt.Errorf("%w: %T on arp link", ErrMalformed, msg)
	}
	a.c.messages.Add(1)
	a.c.bytes.Add(uint64(buf.Len()))

	hdr, ok := buf.Header(header.ARPSize)
	if !ok {
		return fmt.Errorf("%w: %d byte arp packet", ErrMalformed, buf.Len())
	}
	req := header.ARP(hdr)
	if !req.IsValid() {
		return fmt.Errorf("%w: not ipv4 over ethernet", ErrMalformed)
	}
	if req.Op() != header.ARPRequest || tcpip.AddrFromSlice(req.ProtocolAddressTarget()) != a.cfg.Addr {
		a.c.ignored.Add(1)
		buf.Release()
		return nil
	}

	var (
		senderHW = tcpip.LinkAddress(req.HardwareAddressSender())
		senderIP = append([]byte(nil), req.ProtocolAddressSender()...)
	)
	buf.Release()

	f, err := a.cfg.Pool.Alloc(header.ARPSize, ethernet.HeaderRoom)
	if err != nil {
		replyFailed(a.cfg.Recorder, "arp", err)
		return nil
	}
	room, ok := f.Header(header.ARPSize)
	if !ok {
		f.Release()
		replyFailed(a.cfg.Recorder, "arp", fmt.Errorf("%w: arp reply split across %d byte blocks", ErrReplyLayout, a.cfg.Pool.BlockSize()))
		return nil
	}
	res := header.ARP(room)
	res.SetIPv4OverEthernet()
	res.SetOp(header.ARPReply)
	copy(res.HardwareAddressSender(), a.cfg.LinkAddr)
	copy(res.ProtocolAddressSender(), a.cfg.Addr.AsSlice())
	copy(res.HardwareAddressTarget(), senderHW)
	copy(res.ProtocolAddressTarget(), senderIP)

	if err := a.cfg.Ethernet.Output(f, a.cfg.LinkAddr, senderHW, header.ARPProtocolNumber); err != nil {
		replyFailed(a.cfg.Recorder, "arp", err)
		return nil
	}
	a.c.replies.Add(1)
	a.log.Debug("arp reply", "to", tcpip.AddrFromSlice(senderIP), "mac", senderHW)
	return nil
}
