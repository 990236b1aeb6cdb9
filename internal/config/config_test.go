package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/fault"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
dynamic_mac: "02:00:00:00:00:44"
address: 10.0.0.2
neighbors:
  - address: 10.0.0.1
    mac: "0a:00:00:00:00:01"
link_capacity: 8
wait_timeout: 250ms
dma:
  rx_descriptors: 8
  tx_descriptors: 2
  slot_size: 1524
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := cfg.DynamicMAC.LinkAddress(), tcpip.LinkAddress("\x02\x00\x00\x00\x00\x44"); got != want {
		t.Fatalf("dynamic mac = %v, want %v", got, want)
	}
	if got, want := cfg.IPv4Address(), tcpip.AddrFrom4([4]byte{10, 0, 0, 2}); got != want {
		t.Fatalf("address = %v, want %v", got, want)
	}
	if cfg.WaitTimeout != 250*time.Millisecond {
		t.Fatalf("wait timeout = %v", cfg.WaitTimeout)
	}
	// Untouched fields keep their defaults.
	if diff := cmp.Diff(Default().Priorities, cfg.Priorities); diff != "" {
		t.Fatalf("priorities changed (-want +got):\n%s", diff)
	}
	want := map[tcpip.Address]tcpip.LinkAddress{
		tcpip.AddrFrom4([4]byte{10, 0, 0, 1}): "\x0a\x00\x00\x00\x00\x01",
	}
	if diff := cmp.Diff(want, cfg.NeighborTable()); diff != "" {
		t.Fatalf("neighbours (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("link_capacty: 4\n"))
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	want := Default()
	want.LinkCapacity = 32
	data, err := want.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "gistack.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LinkCapacity != 32 || got.Address != want.Address {
		t.Fatalf("loaded %+v", got)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMinBlockSizeIsValid(t *testing.T) {
	cfg := Default()
	cfg.FramePool.BlockSize = MinBlockSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("smallest block size rejected: %v", err)
	}
	if MinBlockSize < header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize {
		t.Fatalf("MinBlockSize %d cannot hold a udp datagram's headers", MinBlockSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero capacity", func(c *Config) { c.LinkCapacity = 0 }, "link_capacity"},
		{"rx ring deeper than link", func(c *Config) { c.DMA.RxDescriptors = c.LinkCapacity + 1 }, "dma.rx_descriptors"},
		{"tiny slot", func(c *Config) { c.DMA.SlotSize = 10 }, "dma.slot_size"},
		{"no tx ring", func(c *Config) { c.DMA.TxDescriptors = 0 }, "dma"},
		{"tiny block", func(c *Config) { c.FramePool.BlockSize = 20 }, "frame_pool.block_size"},
		{"block splits arp", func(c *Config) { c.FramePool.BlockSize = header.EthernetMinimumSize + header.ARPSize - 1 }, "frame_pool.block_size"},
		{"block one short", func(c *Config) { c.FramePool.BlockSize = MinBlockSize - 1 }, "frame_pool.block_size"},
		{"no blocks", func(c *Config) { c.FramePool.Blocks = 0 }, "frame_pool.blocks"},
		{"duplicate priority", func(c *Config) { c.Priorities.Critical = c.Priorities.IPv4 }, "priorities.critical"},
		{"ingress outranked", func(c *Config) { c.Priorities.Transport = 1 }, "priorities.transport"},
		{"same mac", func(c *Config) { c.DynamicMAC = c.CriticalMAC }, "dynamic_mac"},
		{"ipv6 address", func(c *Config) { c.Address = netip.MustParseAddr("fd00::1") }, "address"},
		{"bad neighbour mac", func(c *Config) { c.Neighbors[0].MAC = nil }, "neighbors[0].mac"},
		{"duplicate neighbour", func(c *Config) { c.Neighbors = append(c.Neighbors, c.Neighbors[0]) }, "neighbors[1].address"},
		{"no send descriptors", func(c *Config) { c.SendDescriptors.IPv4 = 0 }, "send_descriptors"},
		{"no packets", func(c *Config) { c.Packets = -1 }, "packets"},
		{"negative timeout", func(c *Config) { c.WaitTimeout = -time.Second }, "wait_timeout"},
		{"no snaplen", func(c *Config) { c.SnapLen = 0 }, "snap_len"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *fault.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *fault.ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", cfgErr.Field, tt.field, err)
			}
		})
	}
}
