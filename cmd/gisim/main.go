package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinyrange/gistack/internal/config"
	"github.com/tinyrange/gistack/internal/dataplane"
	"github.com/tinyrange/gistack/internal/dma"
)

func run() error {
	configPath := flag.String("config", "", "YAML configuration file (defaults when empty)")
	pcapPath := flag.String("pcap", "", "write every frame on the wire to this pcap file")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9100")
	frames := flag.Int("frames", 1000, "number of synthetic frames to inject (0 for unlimited)")
	perSecond := flag.Float64("rate", 2000, "injection rate in frames per second (0 for unpaced)")
	duration := flag.Duration("duration", 0, "stop after this long (0 waits for all frames)")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gisim - run the data plane against a simulated Ethernet controller

USAGE:
  gisim [flags]

FLAGS:
  -config FILE     YAML configuration; unset keys keep their defaults
  -dump-config     Print the effective configuration and exit
  -pcap FILE       Capture received and transmitted frames
  -metrics ADDR    Serve /metrics while running
  -frames N        Frames to inject (default 1000, 0 for unlimited)
  -rate R          Frames per second (default 2000, 0 for unpaced)
  -duration D      Stop after D, e.g. 10s
  -v               Debug logging

The generated traffic mixes UDP echo requests, ARP requests, TCP segments,
frames for the critical address and frames that must be discarded.
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dumpConfig {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	var opts dataplane.Options
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		opts.Capture = f
	}

	dp, err := dataplane.Build(log, cfg, opts)
	if err != nil {
		return err
	}
	defer dp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	gen := newGenerator(cfg)
	dp.OnWire(gen.observe)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return dp.Run(gctx) })
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(dp.Registry().Gatherer(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer func() {
			// Without a deadline the run ends once the injected traffic
			// has drained.
			if *duration == 0 {
				waitIdle(gctx, dp)
				stopRun()
			}
		}()
		return inject(gctx, log, dp, gen, *frames, *perSecond)
	})

	start := time.Now()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	report(log, dp, gen, time.Since(start))
	if c := dp.Capture(); c != nil {
		if err := c.Err(); err != nil {
			return fmt.Errorf("pcap: %w", err)
		}
	}
	return nil
}

func inject(ctx context.Context, log *slog.Logger, dp *dataplane.Dataplane, gen *generator, frames int, perSecond float64) error {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	lim := rate.NewLimiter(limit, 1)
	for n := 0; frames == 0 || n < frames; n++ {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		f := gen.next()
		err := dp.Inject(f)
		switch {
		case err == nil:
			gen.injected.Add(1)
		case errors.Is(err, dma.ErrRingFull):
			gen.refused.Add(1)
		default:
			return err
		}
	}
	log.Debug("injection finished", "frames", frames)
	return nil
}

// waitIdle returns once nothing is held or ctx is done.
func waitIdle(ctx context.Context, dp *dataplane.Dataplane) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for dp.Usage() != (dataplane.Usage{}) {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func report(log *slog.Logger, dp *dataplane.Dataplane, gen *generator, elapsed time.Duration) {
	ec := dp.Engine().Counters()
	ms := dp.MAC().Stats()
	log.Info("traffic",
		"elapsed", elapsed.Round(time.Millisecond),
		"uptime", dp.Uptime(),
		"injected", gen.injected.Load(),
		"refused", gen.refused.Load(),
		"transmitted", ms.Sent,
		"echoes_ok", gen.echoes.Load(),
		"arp_replies", gen.arpReplies.Load())
	log.Info("dma",
		"rx_frames", ec.RxFrames,
		"rx_alloc_drops", ec.RxAllocDrops,
		"rx_resumes", ec.RxResumes,
		"tx_frames", ec.TxFrames,
		"tx_busy", ec.TxBusy,
		"tx_underflows", ec.TxUnderflows)
	for name, c := range dp.Collaborators() {
		log.Info("collaborator", "name", name, "messages", c.Messages, "bytes", c.Bytes, "replies", c.Replies, "ignored", c.Ignored)
	}
	for _, l := range dp.Links() {
		c := l.Counters()
		log.Info("link", "id", l.ID(), "name", l.Name(), "sent", c.Sent, "full", c.Full, "delivered", c.Delivered, "rejected", c.Rejected)
	}
	if u := dp.Usage(); u.FrameBlocks != 0 || u.EthernetSends != 0 || u.IPv4Sends != 0 || u.Packets != 0 {
		log.Warn("resources still held at exit", "usage", fmt.Sprintf("%+v", u))
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gisim: %v\n", err)
		os.Exit(1)
	}
}
