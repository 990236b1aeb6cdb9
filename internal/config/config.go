// Package config loads the static topology of the data plane.
package config

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/fault"
)

// MAC is a hardware address in the usual colon form.
type MAC net.HardwareAddr

func (m MAC) MarshalText() ([]byte, error) { return []byte(net.HardwareAddr(m).String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
	hw, err := net.ParseMAC(string(b))
	if err != nil {
		return err
	}
	if len(hw) != header.EthernetAddressSize {
		return fmt.Errorf("%q is not an Ethernet address", b)
	}
	*m = MAC(hw)
	return nil
}

// LinkAddress converts m for the packet headers.
func (m MAC) LinkAddress() tcpip.LinkAddress { return tcpip.LinkAddress(m) }

// Neighbor is one static next-hop entry.
type Neighbor struct {
	Address netip.Addr `yaml:"address"`
	MAC     MAC        `yaml:"mac"`
}

// DMA is the descriptor ring geometry.
type DMA struct {
	RxDescriptors int `yaml:"rx_descriptors"`
	TxDescriptors int `yaml:"tx_descriptors"`
	SlotSize      int `yaml:"slot_size"`
}

// FramePool is the geometry of the frame buffer pool.
type FramePool struct {
	BlockSize int `yaml:"block_size"`
	Blocks    int `yaml:"blocks"`
}

// Priorities are task priorities; a lower number runs first.
type Priorities struct {
	Ethernet  int `yaml:"ethernet"`
	IPv4      int `yaml:"ipv4"`
	Transport int `yaml:"transport"`
	Critical  int `yaml:"critical"`
}

// SendDescriptors bounds the transmits in flight per stage.
type SendDescriptors struct {
	Ethernet int `yaml:"ethernet"`
	IPv4     int `yaml:"ipv4"`
}

// Config is the complete static configuration.
type Config struct {
	// CriticalMAC receives statically resolved traffic; ARP to it is
	// dropped.
	CriticalMAC MAC `yaml:"critical_mac"`
	// DynamicMAC is the address of the dynamic IP module and the source
	// of every transmitted frame.
	DynamicMAC MAC        `yaml:"dynamic_mac"`
	Address    netip.Addr `yaml:"address"`
	Neighbors  []Neighbor `yaml:"neighbors"`

	LinkCapacity    int             `yaml:"link_capacity"`
	SendDescriptors SendDescriptors `yaml:"send_descriptors"`
	// Packets bounds received IPv4 packets held by transport handlers.
	Packets     int           `yaml:"packets"`
	FramePool   FramePool     `yaml:"frame_pool"`
	DMA         DMA           `yaml:"dma"`
	Priorities  Priorities    `yaml:"priorities"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// SnapLen bounds captured frame length.
	SnapLen int `yaml:"snap_len"`
}

// Default mirrors the reference board: four queues of 20 per interface,
// 4x20 send descriptors, four 1524-byte descriptors per ring.
func Default() Config {
	return Config{
		CriticalMAC: MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		DynamicMAC:  MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x04},
		Address:     netip.AddrFrom4([4]byte{192, 168, 1, 4}),
		Neighbors: []Neighbor{
			{Address: netip.AddrFrom4([4]byte{192, 168, 1, 1}), MAC: MAC{0x0a, 0x42, 0x00, 0x00, 0x00, 0x01}},
		},
		LinkCapacity:    20,
		SendDescriptors: SendDescriptors{Ethernet: 4 * 20, IPv4: 4 * 20},
		Packets:         2 * 20,
		FramePool:       FramePool{BlockSize: 512, Blocks: 128},
		DMA:             DMA{RxDescriptors: 4, TxDescriptors: 4, SlotSize: 1524},
		Priorities:      Priorities{Ethernet: 20, IPv4: 21, Transport: 22, Critical: 23},
		SnapLen:         1600,
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, &fault.ConfigError{Field: "yaml", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// MinBlockSize is the smallest frame block whose first segment holds every
// header the stages and collaborators read or write contiguously: an
// Ethernet header followed by either an ARP packet or a maximal IPv4 header
// and a UDP header.
const MinBlockSize = header.EthernetMinimumSize +
	max(header.ARPSize, header.IPv4MaximumHeaderSize+header.UDPMinimumSize)

// Validate checks the static topology. Every error is a *fault.ConfigError.
func (c *Config) Validate() error {
	if len(c.CriticalMAC) != header.EthernetAddressSize {
		return fault.Configf("critical_mac", "missing")
	}
	if len(c.DynamicMAC) != header.EthernetAddressSize {
		return fault.Configf("dynamic_mac", "missing")
	}
	if bytes.Equal(c.CriticalMAC, c.DynamicMAC) {
		return fault.Configf("dynamic_mac", "same as critical_mac")
	}
	if !c.Address.Is4() {
		return fault.Configf("address", "%v is not an IPv4 address", c.Address)
	}
	seen := map[netip.Addr]bool{}
	for i, n := range c.Neighbors {
		field := fmt.Sprintf("neighbors[%d]", i)
		if !n.Address.Is4() {
			return fault.Configf(field+".address", "%v is not an IPv4 address", n.Address)
		}
		if seen[n.Address] {
			return fault.Configf(field+".address", "duplicate neighbour %v", n.Address)
		}
		seen[n.Address] = true
		if len(n.MAC) != header.EthernetAddressSize {
			return fault.Configf(field+".mac", "missing")
		}
	}

	if c.LinkCapacity <= 0 {
		return fault.Configf("link_capacity", "must be positive, got %d", c.LinkCapacity)
	}
	if c.SendDescriptors.Ethernet <= 0 || c.SendDescriptors.IPv4 <= 0 {
		return fault.Configf("send_descriptors", "must be positive")
	}
	if c.Packets <= 0 {
		return fault.Configf("packets", "must be positive, got %d", c.Packets)
	}

	if c.DMA.RxDescriptors <= 0 || c.DMA.TxDescriptors <= 0 {
		return fault.Configf("dma", "descriptor counts must be positive")
	}
	if c.DMA.SlotSize < header.EthernetMinimumSize {
		return fault.Configf("dma.slot_size", "%d is smaller than an Ethernet header", c.DMA.SlotSize)
	}
	// One receive notification is queued per frame on the ring, so the ring
	// must never hold more frames than the MAC link can queue.
	if c.DMA.RxDescriptors > c.LinkCapacity {
		return fault.Configf("dma.rx_descriptors", "%d exceeds link_capacity %d", c.DMA.RxDescriptors, c.LinkCapacity)
	}

	if c.FramePool.BlockSize < MinBlockSize {
		return fault.Configf("frame_pool.block_size", "must be at least %d, got %d", MinBlockSize, c.FramePool.BlockSize)
	}
	if c.FramePool.Blocks <= 0 {
		return fault.Configf("frame_pool.blocks", "must be positive, got %d", c.FramePool.Blocks)
	}

	p := c.Priorities
	prios := map[int]string{}
	for _, e := range []struct {
		name string
		prio int
	}{{"ethernet", p.Ethernet}, {"ipv4", p.IPv4}, {"transport", p.Transport}, {"critical", p.Critical}} {
		if other, ok := prios[e.prio]; ok {
			return fault.Configf("priorities."+e.name, "priority %d already used by %s", e.prio, other)
		}
		prios[e.prio] = e.name
		if e.prio < p.Ethernet {
			return fault.Configf("priorities."+e.name, "%d outranks the ingress task (%d)", e.prio, p.Ethernet)
		}
	}

	if c.WaitTimeout < 0 {
		return fault.Configf("wait_timeout", "negative timeout %v", c.WaitTimeout)
	}
	if c.SnapLen <= 0 {
		return fault.Configf("snap_len", "must be positive, got %d", c.SnapLen)
	}
	return nil
}

// IPv4Address converts the local address for the packet headers.
func (c *Config) IPv4Address() tcpip.Address {
	return tcpip.AddrFrom4(c.Address.As4())
}

// NeighborTable converts the static neighbours for the IPv4 stage.
func (c *Config) NeighborTable() map[tcpip.Address]tcpip.LinkAddress {
	out := make(map[tcpip.Address]tcpip.LinkAddress, len(c.Neighbors))
	for _, n := range c.Neighbors {
		out[tcpip.AddrFrom4(n.Address.As4())] = n.MAC.LinkAddress()
	}
	return out
}
