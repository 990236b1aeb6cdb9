package stats

import (
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/frame"
)

// value finds the sample of family name whose labels include want.
func value(tb testing.TB, r *Registry, name string, want map[string]string) float64 {
	tb.Helper()
	families, err := r.Gatherer().Gather()
	if err != nil {
		tb.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			return sample(m)
		}
	}
	tb.Fatalf("no sample %s%v", name, want)
	return 0
}

func sample(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Forwarded("ethernet", "ipv4")
	r.Forwarded("ethernet", "ipv4")
	r.Dropped("ethernet", "unroutable")

	if v := value(t, r, "gistack_dispatch_forwarded_total", map[string]string{"iface": "ethernet", "link": "ipv4"}); v != 2 {
		t.Fatalf("forwarded = %v", v)
	}
	if v := value(t, r, "gistack_dispatch_dropped_total", map[string]string{"reason": "unroutable"}); v != 1 {
		t.Fatalf("dropped = %v", v)
	}
}

func TestWatchEngineAndPools(t *testing.T) {
	rx, _ := dma.NewRing("rx", 2, 256, make([]byte, 512), dma.OwnedByDMA)
	tx, _ := dma.NewRing("tx", 2, 256, make([]byte, 512), dma.OwnedBySoftware)
	mac := dma.NewSimMAC(rx, tx)
	engine, err := dma.NewEngine(slog.Default(), rx, tx, mac, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	pool, err := frame.NewPool("frames", 128, make([]byte, 128*4))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	r := New()
	if err := r.WatchEngine(engine); err != nil {
		t.Fatalf("watch engine: %v", err)
	}
	if err := r.WatchPools(pool); err != nil {
		t.Fatalf("watch pools: %v", err)
	}

	if err := mac.Inject(make([]byte, 200)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	buf, err := engine.Receive(pool)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	defer buf.Release()

	if v := value(t, r, "gistack_dma_frames_total", map[string]string{"direction": "rx"}); v != 1 {
		t.Fatalf("rx frames = %v", v)
	}
	if v := value(t, r, "gistack_dma_bytes_total", map[string]string{"direction": "rx"}); v != 200 {
		t.Fatalf("rx bytes = %v", v)
	}
	if v := value(t, r, "gistack_dma_descriptors_owned", map[string]string{"ring": "rx"}); v != 2 {
		t.Fatalf("rx owned = %v", v)
	}
	if v := value(t, r, "gistack_pool_in_use", map[string]string{"pool": "frames"}); v != 2 {
		t.Fatalf("pool in use = %v", v)
	}
}
