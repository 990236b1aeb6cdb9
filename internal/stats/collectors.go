package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/gistack/internal/dma"
	"github.com/tinyrange/gistack/internal/link"
)

var (
	dmaFramesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dma", "frames_total"),
		"Frames moved through the descriptor rings.",
		[]string{"direction"}, nil)
	dmaBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dma", "bytes_total"),
		"Bytes moved through the descriptor rings.",
		[]string{"direction"}, nil)
	dmaEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dma", "events_total"),
		"Exceptional ring events.",
		[]string{"event"}, nil)
	dmaOwnedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dma", "descriptors_owned"),
		"Descriptors currently owned by the controller.",
		[]string{"ring"}, nil)
)

type engineCollector struct {
	engine *dma.Engine
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dmaFramesDesc
	ch <- dmaBytesDesc
	ch <- dmaEventsDesc
	ch <- dmaOwnedDesc
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Counters()
	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}
	counter(dmaFramesDesc, s.RxFrames, "rx")
	counter(dmaFramesDesc, s.TxFrames, "tx")
	counter(dmaBytesDesc, s.RxBytes, "rx")
	counter(dmaBytesDesc, s.TxBytes, "tx")
	counter(dmaEventsDesc, s.RxAllocDrops, "rx_alloc_drop")
	counter(dmaEventsDesc, s.RxBadLength, "rx_bad_length")
	counter(dmaEventsDesc, s.RxOrphans, "rx_orphan")
	counter(dmaEventsDesc, s.RxResumes, "rx_resume")
	counter(dmaEventsDesc, s.TxBusy, "tx_busy")
	counter(dmaEventsDesc, s.TxUnderflows, "tx_underflow")

	for _, r := range []*dma.Ring{c.engine.RxRing(), c.engine.TxRing()} {
		ch <- prometheus.MustNewConstMetric(dmaOwnedDesc, prometheus.GaugeValue,
			float64(r.Owned(dma.OwnedByDMA)), r.Name())
	}
}

var (
	linkDepthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "queued"),
		"Messages waiting on a link.",
		[]string{linkKey}, nil)
	linkCapDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "capacity"),
		"Link queue capacity.",
		[]string{linkKey}, nil)
	linkEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "messages_total"),
		"Link activity by outcome.",
		[]string{linkKey, "outcome"}, nil)
)

type linkCollector struct {
	links []*link.Link
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- linkDepthDesc
	ch <- linkCapDesc
	ch <- linkEventsDesc
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	for _, l := range c.links {
		name := l.Name()
		ch <- prometheus.MustNewConstMetric(linkDepthDesc, prometheus.GaugeValue, float64(l.Len()), name)
		ch <- prometheus.MustNewConstMetric(linkCapDesc, prometheus.GaugeValue, float64(l.Cap()), name)
		s := l.Counters()
		for outcome, v := range map[string]uint64{
			"sent":      s.Sent,
			"full":      s.Full,
			"delivered": s.Delivered,
			"rejected":  s.Rejected,
		} {
			ch <- prometheus.MustNewConstMetric(linkEventsDesc, prometheus.CounterValue, float64(v), name, outcome)
		}
	}
}

var (
	poolInUseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "in_use"),
		"Blocks currently allocated from a fixed pool.",
		[]string{poolKey}, nil)
	poolCapDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "capacity"),
		"Blocks in a fixed pool.",
		[]string{poolKey}, nil)
)

type poolCollector struct {
	pools []Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolInUseDesc
	ch <- poolCapDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools {
		ch <- prometheus.MustNewConstMetric(poolInUseDesc, prometheus.GaugeValue, float64(p.InUse()), p.Name())
		ch <- prometheus.MustNewConstMetric(poolCapDesc, prometheus.GaugeValue, float64(p.Cap()), p.Name())
	}
}
