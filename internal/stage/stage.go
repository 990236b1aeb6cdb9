// Package stage runs the per-interface task loop:
// wait for input, classify, route, dispatch.
//
// Every interface owns one task. The task blocks only while waiting for its
// inbound links; a dispatch cycle runs to completion without yielding, and
// every message it takes off a link is either forwarded or released before
// the next one is looked at.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/osal"
	"github.com/tinyrange/gistack/internal/route"
)

// Stage is the layer-specific part of an interface.
type Stage interface {
	// Classify prepares c for routing. It may replace c.Msg, for example
	// swapping a receive notification for the received frame, or set it to
	// nil once it has disposed of the message itself. On error c.Msg is
	// whatever is still outstanding; the interface releases it.
	Classify(ctx context.Context, c *route.Context) error
	route.Router
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	Forwarded(iface, link string)
	Dropped(iface, reason string)
}

type nopRecorder struct{}

func (nopRecorder) Forwarded(string, string) {}
func (nopRecorder) Dropped(string, string)   {}

// Config describes an interface at creation.
type Config struct {
	ID       int
	Name     string
	Priority int
	// WaitTimeout bounds each wait for input; 0 blocks until woken.
	WaitTimeout time.Duration
	// Stage may be nil for an endpoint task that only drains links into
	// collaborator handlers.
	Stage    Stage
	Recorder Recorder
}

// Interface is one processing stage and its task.
type Interface struct {
	log      *slog.Logger
	id       int
	name     string
	priority int
	timeout  time.Duration
	stage    Stage
	rec      Recorder

	links   []*link.Link // outbound; 0 is the downlink
	inbound []*link.Link
	wake    *osal.Signal

	dropLog *rate.Limiter
}

// New creates an interface. Links are attached with Connect before Run.
func New(l *slog.Logger, cfg Config) (*Interface, error) {
	if cfg.Name == "" {
		return nil, fault.Configf(fmt.Sprintf("interface.%d.name", cfg.ID), "name is required")
	}
	if cfg.WaitTimeout < 0 {
		return nil, fault.Configf("interface."+cfg.Name+".wait_timeout", "negative timeout %v", cfg.WaitTimeout)
	}
	if l == nil {
		l = slog.Default()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Interface{
		log:      l.With("iface", cfg.Name),
		id:       cfg.ID,
		name:     cfg.Name,
		priority: cfg.Priority,
		timeout:  cfg.WaitTimeout,
		stage:    cfg.Stage,
		rec:      rec,
		wake:     osal.NewSignal(),
		// Warn about at most one drop every five seconds, with bursts of 10.
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 10),
	}, nil
}

func (i *Interface) ID() int       { return i.id }
func (i *Interface) Name() string  { return i.name }
func (i *Interface) Priority() int { return i.priority }

// Links returns the outbound links in index order.
func (i *Interface) Links() []*link.Link { return i.links }

// Link returns outbound link idx, or nil.
func (i *Interface) Link(idx int) *link.Link {
	if idx < 0 || idx >= len(i.links) {
		return nil
	}
	return i.links[idx]
}

// Inbound returns the links this interface consumes.
func (i *Interface) Inbound() []*link.Link { return i.inbound }

// Wake is the signal that wakes the task. Hardware interrupt handlers post
// it through the links bound to it.
func (i *Interface) Wake() *osal.Signal { return i.wake }

// Connect creates the next outbound link of producer and makes consumer its
// only reader. A nil handler runs the consumer's own classify-route-dispatch
// pipeline on every dequeued message.
func Connect(producer, consumer *Interface, name string, capacity int, handler link.Handler) (*link.Link, error) {
	id := link.ID{Interface: producer.id, Index: len(producer.links)}
	if handler == nil {
		if consumer.stage == nil {
			return nil, fault.Configf("link."+name, "consumer %q has no stage and no handler was given", consumer.name)
		}
		handler = consumer.Input(id)
	}
	l, err := link.New(link.Config{ID: id, Name: name, Capacity: capacity}, handler)
	if err != nil {
		return nil, err
	}
	if err := l.Bind(consumer.wake); err != nil {
		return nil, err
	}
	producer.links = append(producer.links, l)
	consumer.inbound = append(consumer.inbound, l)
	return l, nil
}

// Input returns the dequeue handler that runs this interface's pipeline for
// messages arriving from source. It always takes ownership of the message.
func (i *Interface) Input(source link.ID) link.Handler {
	return func(ctx context.Context, msg link.Message) error {
		i.dispatch(ctx, source, msg)
		return nil
	}
}

func (i *Interface) dispatch(ctx context.Context, source link.ID, msg link.Message) {
	var c route.Context
	c.Reset(source, msg)

	if err := i.stage.Classify(ctx, &c); err != nil {
		i.drop(c.Msg, err)
		return
	}

	v := i.stage.Route(&c)
	idx, ok := v.Link()
	if !ok {
		if c.Msg == nil {
			// Classification consumed it.
			return
		}
		i.drop(c.Msg, fmt.Errorf("%s from %v: %w", c.Class, source, fault.ErrUnroutable))
		return
	}

	out := i.Link(idx)
	if out == nil {
		i.drop(c.Msg, fmt.Errorf("route to missing link %d: %w", idx, fault.ErrUnroutable))
		return
	}
	if c.Msg == nil {
		return
	}
	if err := out.Send(c.Msg); err != nil {
		i.drop(c.Msg, err)
		return
	}
	i.rec.Forwarded(i.name, out.Name())
}

// drop releases msg and accounts for err.
func (i *Interface) drop(msg link.Message, err error) {
	if msg != nil {
		msg.Release()
	}
	i.account(err)
}

func (i *Interface) account(err error) {
	reason := fault.Reason(err)
	i.rec.Dropped(i.name, reason)
	if errors.Is(err, fault.ErrUnroutable) {
		i.log.Debug("frame discarded", "err", err)
		return
	}
	if i.dropLog.Allow() {
		i.log.Warn("frame dropped", "reason", reason, "err", err)
	}
}

// Task returns the task that runs this interface.
func (i *Interface) Task() osal.Task {
	return osal.Task{Name: i.name, Priority: i.priority, Run: i.Run}
}

// Run is the task loop. It returns nil once ctx is done, after releasing
// anything still queued on its inbound links.
func (i *Interface) Run(ctx context.Context) error {
	i.log.Debug("interface running", "prio", i.priority, "inbound", len(i.inbound), "outbound", len(i.links))
	defer i.flush()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := i.wake.Wait(ctx, i.timeout)
		switch {
		case err == nil, errors.Is(err, osal.ErrTimeout):
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("%s: wait: %w", i.name, err)
		}

		more := false
		for _, l := range i.inbound {
			l.Drain(ctx, i.account)
			if l.Len() > 0 {
				more = true
			}
		}
		if more {
			i.wake.Post()
		}
	}
}

func (i *Interface) flush() {
	n := 0
	for _, l := range i.inbound {
		for {
			msg, ok := l.TryReceive()
			if !ok {
				break
			}
			msg.Release()
			n++
		}
	}
	if n > 0 {
		i.log.Debug("released queued messages on shutdown", "count", n)
	}
}
