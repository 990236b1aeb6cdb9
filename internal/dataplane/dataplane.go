// Package dataplane assembles the interfaces, links and collaborators of
// the stack from a config.Config and runs their tasks.
//
// The topology is fixed:
//
//	ethernet  0.0 mac       -> ethernet   receive notifications
//	          0.1 critical  -> critical   statically resolved IP module
//	          0.2 ipv4      -> ipv4       dynamic IP module
//	          0.3 arp       -> ipv4       ARP responder
//	ipv4      1.0 down      -> ethernet   Ethernet send descriptors
//	          1.1 udp       -> transport  UDP echo
//	          1.2 tcp       -> transport  TCP sink
//	transport 2.0 ip-tx     -> ipv4       IPv4 send descriptors
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/gistack/internal/arena"
	"github.com/tinyrange/gistack/internal/config"
	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/ethernet"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/ipv4"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/osal"
	"github.com/tinyrange/gistack/internal/pcap"
	"github.com/tinyrange/gistack/internal/proto"
	"github.com/tinyrange/gistack/internal/stage"
	"github.com/tinyrange/gistack/internal/stats"
)

// Interface identifiers.
const (
	EthernetID = iota
	IPv4ID
	TransportID
	CriticalID
)

// dmaAlign is the cache line size DMA memory is aligned to.
const dmaAlign = 32

// Options are the run-time attachments that are not part of the static
// configuration.
type Options struct {
	// Capture receives a pcap stream of every frame on the wire.
	Capture io.Writer
	// Registry receives metrics; a fresh one is created when nil.
	Registry *stats.Registry
}

// Dataplane is an assembled stack. Build it, attach the wire with OnWire,
// then Run it.
type Dataplane struct {
	log *slog.Logger
	cfg config.Config

	mem     *arena.Arena
	frames  *frame.Pool
	mac     *dma.SimMAC
	engine  *dma.Engine
	capture *pcap.Capture
	reg     *stats.Registry

	eth *ethernet.Stage
	ip  *ipv4.Stage

	ifaces []*stage.Interface
	links  []*link.Link

	critical *proto.Sink
	tcp      *proto.Sink
	arp      *proto.ARPResponder
	echo     *proto.UDPEcho

	sched *osal.Scheduler
	clock *osal.Clock
}

// Build validates cfg and creates every pool, ring, interface and link.
// Nothing runs until Run.
func Build(l *slog.Logger, cfg config.Config, opts Options) (dp *Dataplane, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}
	dp = &Dataplane{log: l.With("component", "dataplane"), cfg: cfg, reg: opts.Registry}
	if dp.reg == nil {
		dp.reg = stats.New()
	}

	size := (cfg.DMA.RxDescriptors+cfg.DMA.TxDescriptors)*cfg.DMA.SlotSize +
		cfg.FramePool.Blocks*cfg.FramePool.BlockSize + 3*dmaAlign
	mem, err := arena.New("dataplane", size)
	if err != nil {
		return nil, err
	}
	dp.mem = mem
	defer func() {
		if err != nil {
			_ = mem.Close()
		}
	}()

	if err := dp.buildMemory(); err != nil {
		return nil, err
	}
	if opts.Capture != nil {
		if dp.capture, err = pcap.NewCapture(opts.Capture, cfg.SnapLen); err != nil {
			return nil, err
		}
	}
	if err := dp.buildStages(); err != nil {
		return nil, err
	}
	if err := dp.buildTopology(); err != nil {
		return nil, err
	}
	if err := dp.watch(); err != nil {
		return nil, err
	}

	dp.clock = osal.NewClock()
	dp.sched = osal.NewScheduler(l)
	for _, iface := range dp.ifaces {
		if err := dp.sched.Add(iface.Task()); err != nil {
			return nil, err
		}
	}
	dp.log.Info("data plane built",
		"mac", cfg.DynamicMAC.LinkAddress(),
		"addr", cfg.Address,
		"arena", dp.mem.Used(),
		"links", len(dp.links))
	return dp, nil
}

func (dp *Dataplane) buildMemory() error {
	c := dp.cfg
	rxMem, err := dp.mem.Carve(c.DMA.RxDescriptors*c.DMA.SlotSize, dmaAlign)
	if err != nil {
		return err
	}
	txMem, err := dp.mem.Carve(c.DMA.TxDescriptors*c.DMA.SlotSize, dmaAlign)
	if err != nil {
		return err
	}
	poolMem, err := dp.mem.Carve(c.FramePool.Blocks*c.FramePool.BlockSize, dmaAlign)
	if err != nil {
		return err
	}
	rx, err := dma.NewRing("rx", c.DMA.RxDescriptors, c.DMA.SlotSize, rxMem, dma.OwnedByDMA)
	if err != nil {
		return err
	}
	tx, err := dma.NewRing("tx", c.DMA.TxDescriptors, c.DMA.SlotSize, txMem, dma.OwnedBySoftware)
	if err != nil {
		return err
	}
	if dp.frames, err = frame.NewPool("frames", c.FramePool.BlockSize, poolMem); err != nil {
		return err
	}
	dp.mac = dma.NewSimMAC(rx, tx)
	dp.engine, err = dma.NewEngine(dp.log, rx, tx, dp.mac, nil)
	return err
}

func (dp *Dataplane) buildStages() error {
	c := dp.cfg
	table, err := ethernet.NewTable(c.CriticalMAC.LinkAddress(), c.DynamicMAC.LinkAddress())
	if err != nil {
		return err
	}
	if dp.eth, err = ethernet.New(dp.log, ethernet.Config{
		Engine:          dp.engine,
		Pool:            dp.frames,
		Table:           table,
		SendDescriptors: c.SendDescriptors.Ethernet,
		Capture:         dp.capture,
	}); err != nil {
		return err
	}
	if dp.ip, err = ipv4.New(dp.log, ipv4.Config{
		Ethernet:        dp.eth,
		LinkAddr:        c.DynamicMAC.LinkAddress(),
		Addr:            c.IPv4Address(),
		Neighbors:       c.NeighborTable(),
		SendDescriptors: c.SendDescriptors.IPv4,
		Packets:         c.Packets,
	}); err != nil {
		return err
	}

	dp.critical = proto.NewSink("critical")
	dp.tcp = proto.NewSink("tcp")
	if dp.arp, err = proto.NewARPResponder(dp.log, proto.ARPConfig{
		Ethernet: dp.eth,
		Pool:     dp.frames,
		LinkAddr: c.DynamicMAC.LinkAddress(),
		Addr:     c.IPv4Address(),
		Recorder: dp.reg,
	}); err != nil {
		return err
	}
	dp.echo, err = proto.NewUDPEcho(dp.log, proto.EchoConfig{
		IPv4:     dp.ip,
		Pool:     dp.frames,
		Port:     proto.EchoPort,
		Recorder: dp.reg,
	})
	return err
}

func (dp *Dataplane) buildTopology() error {
	c := dp.cfg
	newIface := func(id int, name string, prio int, s stage.Stage) (*stage.Interface, error) {
		iface, err := stage.New(dp.log, stage.Config{
			ID:          id,
			Name:        name,
			Priority:    prio,
			WaitTimeout: c.WaitTimeout,
			Stage:       s,
			Recorder:    dp.reg,
		})
		if err == nil {
			dp.ifaces = append(dp.ifaces, iface)
		}
		return iface, err
	}
	eth, err := newIface(EthernetID, "ethernet", c.Priorities.Ethernet, dp.eth)
	if err != nil {
		return err
	}
	ip, err := newIface(IPv4ID, "ipv4", c.Priorities.IPv4, dp.ip)
	if err != nil {
		return err
	}
	transport, err := newIface(TransportID, "transport", c.Priorities.Transport, nil)
	if err != nil {
		return err
	}
	critical, err := newIface(CriticalID, "critical", c.Priorities.Critical, nil)
	if err != nil {
		return err
	}

	type edge struct {
		from, to *stage.Interface
		name     string
		index    int
		handler  link.Handler
	}
	edges := []edge{
		{eth, eth, "mac", ethernet.LinkMAC, nil},
		{eth, critical, "critical", ethernet.LinkCritical, dp.critical.Handle},
		{eth, ip, "ipv4", ethernet.LinkIPv4, nil},
		{eth, ip, "arp", ethernet.LinkARP, dp.arp.Handle},
		{ip, eth, "down", ipv4.LinkDown, nil},
		{ip, transport, "udp", ipv4.LinkUDP, dp.echo.Handle},
		{ip, transport, "tcp", ipv4.LinkTCP, dp.tcp.Handle},
		{transport, ip, "ip-tx", 0, nil},
	}
	for _, e := range edges {
		l, err := stage.Connect(e.from, e.to, e.name, c.LinkCapacity, e.handler)
		if err != nil {
			return err
		}
		if l.ID().Index != e.index {
			return fmt.Errorf("dataplane: link %s got index %d, want %d", e.name, l.ID().Index, e.index)
		}
		dp.links = append(dp.links, l)
	}

	dp.mac.OnReceive(ethernet.Interrupt(eth.Link(ethernet.LinkMAC)))
	dp.eth.BindOutput(ip.Link(ipv4.LinkDown))
	dp.ip.BindOutput(transport.Link(0))
	return nil
}

func (dp *Dataplane) watch() error {
	return errors.Join(
		dp.reg.WatchEngine(dp.engine),
		dp.reg.WatchLinks(dp.links...),
		dp.reg.WatchPools(dp.frames, dp.eth.Descriptors(), dp.ip.Descriptors(), dp.ip.Packets()),
	)
}

// Run starts every task and blocks until ctx is done or a task fails.
// Messages still queued when it returns are freed.
func (dp *Dataplane) Run(ctx context.Context) error {
	err := dp.sched.Run(ctx)
	// A task may post on a link whose consumer already stopped.
	for _, l := range dp.links {
		for {
			msg, ok := l.TryReceive()
			if !ok {
				break
			}
			msg.Release()
		}
	}
	return err
}

// Close releases the memory arena. It must not be called while Run is
// active.
func (dp *Dataplane) Close() error {
	return dp.mem.Close()
}

// Inject delivers a frame from the wire into the receive ring.
func (dp *Dataplane) Inject(frame []byte) error {
	return dp.mac.Inject(frame)
}

// OnWire registers fn to observe every transmitted frame. fn runs on the
// Ethernet task and must not block.
func (dp *Dataplane) OnWire(fn func([]byte)) { dp.mac.OnTransmit(fn) }

// Uptime is the time since Build on the system tick clock.
func (dp *Dataplane) Uptime() time.Duration {
	return time.Duration(dp.clock.Now()) * time.Millisecond
}

// Interfaces returns the interfaces in identifier order.
func (dp *Dataplane) Interfaces() []*stage.Interface { return dp.ifaces }

// Links returns every link in creation order.
func (dp *Dataplane) Links() []*link.Link { return dp.links }

// Registry returns the metrics registry.
func (dp *Dataplane) Registry() *stats.Registry { return dp.reg }

// MAC returns the simulated controller.
func (dp *Dataplane) MAC() *dma.SimMAC { return dp.mac }

// Engine returns the DMA engine.
func (dp *Dataplane) Engine() *dma.Engine { return dp.engine }

// Capture returns the frame capture, or nil.
func (dp *Dataplane) Capture() *pcap.Capture { return dp.capture }

// Usage is a snapshot of every bounded resource.
type Usage struct {
	FrameBlocks   int
	EthernetSends int
	IPv4Sends     int
	Packets       int
	Queued        int
	RxOwnedBySoft int
	TxOwnedByDMA  int
}

// Usage reports what is currently held. A quiescent data plane holds
// nothing and the receive ring belongs to the DMA engine.
func (dp *Dataplane) Usage() Usage {
	u := Usage{
		FrameBlocks:   dp.frames.InUse(),
		EthernetSends: dp.eth.Descriptors().InUse(),
		IPv4Sends:     dp.ip.Descriptors().InUse(),
		Packets:       dp.ip.Packets().InUse(),
		RxOwnedBySoft: dp.engine.RxRing().Owned(dma.OwnedBySoftware),
		TxOwnedByDMA:  dp.engine.TxRing().Owned(dma.OwnedByDMA),
	}
	for _, l := range dp.links {
		u.Queued += l.Len()
	}
	return u
}

// Collaborators reports the counters of the uplink consumers by name.
func (dp *Dataplane) Collaborators() map[string]proto.Counters {
	return map[string]proto.Counters{
		"critical": dp.critical.Counters(),
		"tcp":      dp.tcp.Counters(),
		"arp":      dp.arp.Counters(),
		"udp-echo": dp.echo.Counters(),
	}
}
