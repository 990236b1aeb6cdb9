package main

import (
	"encoding/binary"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/config"
	"github.com/tinyrange/gistack/internal/proto"
)

// generator builds a repeating mix of frames from the first configured
// neighbour and checks what comes back on the wire.
type generator struct {
	localMAC    tcpip.LinkAddress
	criticalMAC tcpip.LinkAddress
	localAddr   tcpip.Address
	peerMAC     tcpip.LinkAddress
	peerAddr    tcpip.Address

	seq uint64

	injected   atomic.Uint64
	refused    atomic.Uint64
	echoes     atomic.Uint64
	arpReplies atomic.Uint64
}

func newGenerator(cfg config.Config) *generator {
	g := &generator{
		localMAC:    cfg.DynamicMAC.LinkAddress(),
		criticalMAC: cfg.CriticalMAC.LinkAddress(),
		localAddr:   cfg.IPv4Address(),
		peerMAC:     tcpip.LinkAddress("\x0a\x42\x00\x00\x00\x01"),
		peerAddr:    tcpip.AddrFrom4([4]byte{192, 168, 1, 1}),
	}
	if len(cfg.Neighbors) > 0 {
		n := cfg.Neighbors[0]
		g.peerAddr, g.peerMAC = tcpip.AddrFrom4(n.Address.As4()), n.MAC.LinkAddress()
	}
	return g
}

func (g *generator) next() []byte {
	g.seq++
	switch g.seq % 8 {
	case 0:
		return g.arpRequest()
	case 1:
		return g.ip(g.localMAC, header.TCPProtocolNumber, make([]byte, header.TCPMinimumSize+64))
	case 2:
		return g.ip(g.criticalMAC, header.UDPProtocolNumber, g.udp(9, make([]byte, 128)))
	case 3:
		return g.ip(g.localMAC, header.ICMPv4ProtocolNumber, make([]byte, 64))
	case 4:
		// Large enough to span several receive blocks.
		return g.ip(g.localMAC, header.UDPProtocolNumber, g.udp(proto.EchoPort, g.payload(1400)))
	default:
		return g.ip(g.localMAC, header.UDPProtocolNumber, g.udp(proto.EchoPort, g.payload(64)))
	}
}

func (g *generator) payload(n int) []byte {
	b := make([]byte, n)
	binary.BigEndian.PutUint64(b, g.seq)
	return b
}

func (g *generator) udp(port uint16, payload []byte) []byte {
	b := make([]byte, header.UDPMinimumSize+len(payload))
	u := header.UDP(b)
	u.Encode(&header.UDPFields{SrcPort: 40000, DstPort: port, Length: uint16(len(b))})
	copy(u.Payload(), payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, g.peerAddr, g.localAddr, uint16(len(b)))
	xsum = checksum.Checksum(payload, xsum)
	u.SetChecksum(^u.CalculateChecksum(xsum))
	return b
}

func (g *generator) ip(dst tcpip.LinkAddress, p tcpip.TransportProtocolNumber, payload []byte) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+len(payload))
	header.Ethernet(b).Encode(&header.EthernetFields{SrcAddr: g.peerMAC, DstAddr: dst, Type: header.IPv4ProtocolNumber})
	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(ip)),
		ID:          uint16(g.seq),
		TTL:         64,
		Protocol:    uint8(p),
		SrcAddr:     g.peerAddr,
		DstAddr:     g.localAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(ip[header.IPv4MinimumSize:], payload)
	return b
}

func (g *generator) arpRequest() []byte {
	b := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: g.peerMAC,
		DstAddr: header.EthernetBroadcastAddress,
		Type:    header.ARPProtocolNumber,
	})
	req := header.ARP(b[header.EthernetMinimumSize:])
	req.SetIPv4OverEthernet()
	req.SetOp(header.ARPRequest)
	copy(req.HardwareAddressSender(), g.peerMAC)
	copy(req.ProtocolAddressSender(), g.peerAddr.AsSlice())
	copy(req.ProtocolAddressTarget(), g.localAddr.AsSlice())
	return b
}

// observe runs on the Ethernet task for every transmitted frame.
func (g *generator) observe(f []byte) {
	if len(f) < header.EthernetMinimumSize {
		return
	}
	switch header.Ethernet(f).Type() {
	case header.ARPProtocolNumber:
		if res := header.ARP(f[header.EthernetMinimumSize:]); res.IsValid() && res.Op() == header.ARPReply {
			g.arpReplies.Add(1)
		}
	case header.IPv4ProtocolNumber:
		ip := header.IPv4(f[header.EthernetMinimumSize:])
		if !ip.IsValid(len(ip)) || ip.TransportProtocol() != header.UDPProtocolNumber {
			return
		}
		u := header.UDP(ip.Payload())
		if len(u) >= header.UDPMinimumSize && u.SourcePort() == proto.EchoPort {
			g.echoes.Add(1)
		}
	}
}
