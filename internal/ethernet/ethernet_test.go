package ethernet

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/stage"
)

var (
	criticalMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	dynamicMAC  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x04")
	peerMAC     = tcpip.LinkAddress("\x0a\x42\x00\x00\x00\x01")
	broadcast   = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")
)

type testRig struct {
	eth     *Stage
	iface   *stage.Interface
	mac     *dma.SimMAC
	pool    *frame.Pool
	macLink *link.Link
	txLink  *link.Link
	uplinks []*link.Link
}

func newTestRig(tb testing.TB, sendDescriptors int) *testRig {
	tb.Helper()

	rx, err := dma.NewRing("rx", 4, 1524, make([]byte, 4*1524), dma.OwnedByDMA)
	if err != nil {
		tb.Fatalf("rx ring: %v", err)
	}
	tx, err := dma.NewRing("tx", 4, 1524, make([]byte, 4*1524), dma.OwnedBySoftware)
	if err != nil {
		tb.Fatalf("tx ring: %v", err)
	}
	mac := dma.NewSimMAC(rx, tx)
	engine, err := dma.NewEngine(slog.Default(), rx, tx, mac, nil)
	if err != nil {
		tb.Fatalf("engine: %v", err)
	}
	pool, err := frame.NewPool("frames", 512, make([]byte, 512*32))
	if err != nil {
		tb.Fatalf("pool: %v", err)
	}
	table, err := NewTable(criticalMAC, dynamicMAC)
	if err != nil {
		tb.Fatalf("table: %v", err)
	}
	eth, err := New(slog.Default(), Config{Engine: engine, Pool: pool, Table: table, SendDescriptors: sendDescriptors})
	if err != nil {
		tb.Fatalf("ethernet: %v", err)
	}
	iface, err := stage.New(slog.Default(), stage.Config{ID: 0, Name: "ethernet", Priority: 20, Stage: eth})
	if err != nil {
		tb.Fatalf("interface: %v", err)
	}
	upper, err := stage.New(slog.Default(), stage.Config{ID: 1, Name: "upper", Priority: 21})
	if err != nil {
		tb.Fatalf("upper: %v", err)
	}

	rig := &testRig{eth: eth, iface: iface, mac: mac, pool: pool}
	if rig.macLink, err = stage.Connect(iface, iface, "mac", 20, nil); err != nil {
		tb.Fatalf("connect mac: %v", err)
	}
	for _, name := range []string{"critical", "ipv4", "arp"} {
		l, err := stage.Connect(iface, upper, name, 20, func(context.Context, link.Message) error { return nil })
		if err != nil {
			tb.Fatalf("connect %s: %v", name, err)
		}
		rig.uplinks = append(rig.uplinks, l)
	}
	if rig.txLink, err = stage.Connect(upper, iface, "tx", 20, nil); err != nil {
		tb.Fatalf("connect tx: %v", err)
	}
	eth.BindOutput(rig.txLink)
	return rig
}

func buildFrame(dst tcpip.LinkAddress, typ tcpip.NetworkProtocolNumber, payload []byte) []byte {
	out := make([]byte, header.EthernetMinimumSize+len(payload))
	header.Ethernet(out).Encode(&header.EthernetFields{SrcAddr: peerMAC, DstAddr: dst, Type: typ})
	copy(out[header.EthernetMinimumSize:], payload)
	return out
}

// receive injects raw and runs one receive dispatch.
func (r *testRig) receive(tb testing.TB, raw []byte) {
	tb.Helper()
	if err := r.mac.Inject(raw); err != nil {
		tb.Fatalf("inject: %v", err)
	}
	if err := r.iface.Input(r.macLink.ID())(context.Background(), RxNotify); err != nil {
		tb.Fatalf("dispatch: %v", err)
	}
}

// queued returns the queue length of every uplink, index 1..3.
func (r *testRig) queued() [NumLinks]int {
	var out [NumLinks]int
	for i, l := range r.uplinks {
		out[i+1] = l.Len()
	}
	return out
}

func (r *testRig) drain() {
	for _, l := range r.uplinks {
		for {
			m, ok := l.TryReceive()
			if !ok {
				break
			}
			m.Release()
		}
	}
}

func TestReceiveDispatch(t *testing.T) {
	payload := bytes.Repeat([]byte{0x45}, 46)
	tests := []struct {
		name string
		dst  tcpip.LinkAddress
		typ  tcpip.NetworkProtocolNumber
		want int // uplink index, 0 for discard
	}{
		{"critical ipv4", criticalMAC, header.IPv4ProtocolNumber, LinkCritical},
		{"critical arp dropped", criticalMAC, header.ARPProtocolNumber, 0},
		{"dynamic ipv4", dynamicMAC, header.IPv4ProtocolNumber, LinkIPv4},
		{"dynamic arp", dynamicMAC, header.ARPProtocolNumber, LinkARP},
		{"broadcast arp", broadcast, header.ARPProtocolNumber, LinkARP},
		{"unregistered ipv4", peerMAC, header.IPv4ProtocolNumber, LinkIPv4},
		{"unknown ethertype", dynamicMAC, header.IPv6ProtocolNumber, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, 4)
			rig.receive(t, buildFrame(tt.dst, tt.typ, payload))

			var want [NumLinks]int
			if tt.want != 0 {
				want[tt.want] = 1
			}
			if got := rig.queued(); got != want {
				t.Fatalf("uplink queues = %v, want %v", got, want)
			}
			if tt.want != 0 {
				m, _ := rig.uplinks[tt.want-1].TryReceive()
				buf := m.(*frame.Buffer)
				if !bytes.Equal(buf.Bytes(), payload) {
					t.Fatalf("uplink frame is not the stripped payload")
				}
				buf.Release()
			}
			if rig.pool.InUse() != 0 {
				t.Fatalf("pool leak: %d segments", rig.pool.InUse())
			}
		})
	}
}

func TestReceiveRuntAndSpurious(t *testing.T) {
	rig := newTestRig(t, 4)
	rig.receive(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if rig.queued() != [NumLinks]int{} || rig.pool.InUse() != 0 {
		t.Fatalf("runt frame not dropped cleanly")
	}

	// A notification with nothing on the ring is a no-op.
	if err := rig.iface.Input(rig.macLink.ID())(context.Background(), RxNotify); err != nil {
		t.Fatalf("spurious dispatch: %v", err)
	}
}

func TestReceiveUplinkFullFreesFrame(t *testing.T) {
	rig := newTestRig(t, 4)
	frameBytes := buildFrame(dynamicMAC, header.IPv4ProtocolNumber, make([]byte, 100))
	for range 22 {
		rig.receive(t, frameBytes)
	}
	if got := rig.uplinks[LinkIPv4-1].Len(); got != 20 {
		t.Fatalf("ipv4 uplink holds %d", got)
	}
	if got := rig.pool.InUse(); got != 20 {
		t.Fatalf("pool in use = %d, want exactly the queued frames", got)
	}
	rig.drain()
	if rig.pool.InUse() != 0 {
		t.Fatalf("pool leak after drain")
	}
}

func TestTransmit(t *testing.T) {
	rig := newTestRig(t, 4)
	payload := bytes.Repeat([]byte{0xab}, 1200)

	f, err := rig.pool.Alloc(len(payload), HeaderRoom)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	f.CopyFrom(payload)
	if err := rig.eth.Output(f, dynamicMAC, peerMAC, header.IPv4ProtocolNumber); err != nil {
		t.Fatalf("output: %v", err)
	}
	if rig.txLink.Len() != 1 {
		t.Fatalf("output did not queue a descriptor")
	}
	if n := rig.txLink.Drain(context.Background(), nil); n != 1 {
		t.Fatalf("drained %d", n)
	}

	sent := rig.mac.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames", len(sent))
	}
	want := buildFrame(peerMAC, header.IPv4ProtocolNumber, payload)
	copy(want[6:12], dynamicMAC)
	if !bytes.Equal(sent[0], want) {
		t.Fatalf("wire frame mismatch:\n got %x\nwant %x", sent[0][:14], want[:14])
	}
	if rig.pool.InUse() != 0 || rig.eth.Descriptors().InUse() != 0 {
		t.Fatalf("transmit leaked: frames=%d descriptors=%d", rig.pool.InUse(), rig.eth.Descriptors().InUse())
	}
}

func TestTransmitBusyDropsFrame(t *testing.T) {
	rig := newTestRig(t, 8)
	rig.mac.HoldTransmit(true)

	for i := range 5 {
		f, err := rig.pool.Alloc(60, HeaderRoom)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if err := rig.eth.Output(f, dynamicMAC, peerMAC, header.IPv4ProtocolNumber); err != nil {
			t.Fatalf("output %d: %v", i, err)
		}
	}
	rig.txLink.Drain(context.Background(), nil)

	if got := len(rig.mac.Stats().Commands); got != 4 {
		t.Fatalf("commands = %d, want one per free slot", got)
	}
	if rig.pool.InUse() != 0 || rig.eth.Descriptors().InUse() != 0 {
		t.Fatalf("busy drop leaked: frames=%d descriptors=%d", rig.pool.InUse(), rig.eth.Descriptors().InUse())
	}
}

func TestOutputDescriptorExhaustion(t *testing.T) {
	rig := newTestRig(t, 1)

	first, _ := rig.pool.Alloc(60, HeaderRoom)
	if err := rig.eth.Output(first, dynamicMAC, peerMAC, header.ARPProtocolNumber); err != nil {
		t.Fatalf("output: %v", err)
	}
	second, _ := rig.pool.Alloc(60, HeaderRoom)
	if err := rig.eth.Output(second, dynamicMAC, peerMAC, header.ARPProtocolNumber); !errors.Is(err, fault.ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if !second.Freed() {
		t.Fatalf("rejected frame not freed")
	}
	rig.txLink.Drain(context.Background(), nil)
	if rig.pool.InUse() != 0 || rig.eth.Descriptors().InUse() != 0 {
		t.Fatalf("leak after exhaustion")
	}
}

func TestTransmitWithoutHeadroomDropped(t *testing.T) {
	rig := newTestRig(t, 2)
	f, _ := rig.pool.Alloc(60, 0)
	if err := rig.eth.Output(f, dynamicMAC, peerMAC, header.IPv4ProtocolNumber); err != nil {
		t.Fatalf("output: %v", err)
	}
	rig.txLink.Drain(context.Background(), nil)
	if len(rig.mac.Sent()) != 0 {
		t.Fatalf("frame without headroom was sent")
	}
	if rig.pool.InUse() != 0 || rig.eth.Descriptors().InUse() != 0 {
		t.Fatalf("leak after headroom failure")
	}
}
