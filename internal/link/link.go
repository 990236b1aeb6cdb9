// Package link implements the bounded single-producer, single-consumer
// channels that connect processing stages.
//
// A send never blocks. On a full queue the message is rejected and stays
// owned by the sender, which must release it. Once a send succeeds the
// consumer owns the message.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/osal"
)

var (
	// ErrQueueFull is returned by Send on a link at capacity.
	ErrQueueFull = fmt.Errorf("link: queue full: %w", fault.ErrResourceExhausted)
	// ErrNilMessage is returned by Send for a nil message.
	ErrNilMessage = errors.New("link: nil message")
)

// Message is anything that can travel on a link. Release frees whatever
// the message owns; it is called exactly once, by the last holder.
type Message interface {
	Release()
}

// Handler consumes a dequeued message. A nil return means the handler took
// ownership. Any error means the message was rejected, and the link
// releases it.
type Handler func(ctx context.Context, msg Message) error

// Waker is notified after every successful send. It is the consumer
// task's wake signal.
type Waker interface {
	Post()
}

// ID identifies a link by its producing interface and its index there.
type ID struct {
	Interface int
	Index     int
}

func (id ID) String() string { return fmt.Sprintf("%d.%d", id.Interface, id.Index) }

// Config describes a link at creation.
type Config struct {
	ID       ID
	Name     string
	Capacity int
}

// Counters is a snapshot of link activity.
type Counters struct {
	Sent      uint64
	Full      uint64
	Delivered uint64
	Rejected  uint64
}

// Link is a bounded queue with one dequeue handler.
type Link struct {
	id        ID
	name      string
	queue     *osal.Mailbox[Message]
	onDequeue Handler
	waker     atomic.Pointer[wakerBox]

	sent, full, delivered, rejected atomic.Uint64
}

type wakerBox struct{ w Waker }

// New creates a link. The queue storage is allocated here and never grows.
func New(cfg Config, onDequeue Handler) (*Link, error) {
	name := cfg.Name
	if name == "" {
		name = "link " + cfg.ID.String()
	}
	if onDequeue == nil {
		return nil, fault.Configf(name+".handler", "a dequeue handler is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fault.Configf(name+".capacity", "must be positive, got %d", cfg.Capacity)
	}
	q, err := osal.NewMailbox[Message](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Link{id: cfg.ID, name: name, queue: q, onDequeue: onDequeue}, nil
}

// ID returns the link identifier.
func (l *Link) ID() ID { return l.id }

// Name returns the link name.
func (l *Link) Name() string { return l.name }

// Cap is the queue capacity.
func (l *Link) Cap() int { return l.queue.Cap() }

// Len is the number of queued messages.
func (l *Link) Len() int { return l.queue.Len() }

// Bind attaches the consumer's wake signal. A link has exactly one
// consumer, so a second Bind fails.
func (l *Link) Bind(w Waker) error {
	if w == nil {
		return fault.Configf(l.name+".consumer", "nil waker")
	}
	if !l.waker.CompareAndSwap(nil, &wakerBox{w: w}) {
		return fault.Configf(l.name+".consumer", "link already has a consumer")
	}
	return nil
}

// Bound reports whether a consumer is attached.
func (l *Link) Bound() bool { return l.waker.Load() != nil }

// Send enqueues msg without blocking and wakes the consumer. On ErrQueueFull
// the caller still owns msg.
func (l *Link) Send(msg Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if err := l.queue.Post(msg); err != nil {
		l.full.Add(1)
		return fmt.Errorf("%s: %w", l.name, ErrQueueFull)
	}
	l.sent.Add(1)
	if b := l.waker.Load(); b != nil {
		b.w.Post()
	}
	return nil
}

// TryReceive dequeues one message if any is waiting.
func (l *Link) TryReceive() (Message, bool) {
	return l.queue.TryFetch()
}

// Receive blocks for a message. timeout <= 0 waits forever.
func (l *Link) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	return l.queue.Fetch(ctx, timeout)
}

// Deliver hands msg to the dequeue handler. A rejected message is released
// here and the handler's error returned.
func (l *Link) Deliver(ctx context.Context, msg Message) error {
	if err := l.onDequeue(ctx, msg); err != nil {
		l.rejected.Add(1)
		msg.Release()
		return err
	}
	l.delivered.Add(1)
	return nil
}

// Drain delivers the messages queued at the time of the call, at most Cap
// of them, and returns how many it handled. Handler errors are passed to
// report after the message has been released.
func (l *Link) Drain(ctx context.Context, report func(error)) int {
	n := 0
	for n < l.queue.Cap() {
		msg, ok := l.queue.TryFetch()
		if !ok {
			break
		}
		n++
		if err := l.Deliver(ctx, msg); err != nil && report != nil {
			report(err)
		}
	}
	return n
}

// Counters returns a snapshot of the link counters.
func (l *Link) Counters() Counters {
	return Counters{
		Sent:      l.sent.Load(),
		Full:      l.full.Load(),
		Delivered: l.delivered.Load(),
		Rejected:  l.rejected.Load(),
	}
}
