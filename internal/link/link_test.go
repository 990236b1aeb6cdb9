package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/osal"
)

type testMsg struct {
	id       int
	released atomic.Int32
}

func (m *testMsg) Release() { m.released.Add(1) }

func accept(context.Context, Message) error { return nil }

func newTestLink(tb testing.TB, capacity int, h Handler) *Link {
	tb.Helper()
	l, err := New(Config{ID: ID{Interface: 0, Index: 1}, Name: "test", Capacity: capacity}, h)
	if err != nil {
		tb.Fatalf("new link: %v", err)
	}
	return l
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Capacity: 0}, accept); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("zero capacity: %v", err)
	}
	if _, err := New(Config{Capacity: 4}, nil); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("nil handler: %v", err)
	}
}

func TestSendAtCapacityNeverBlocks(t *testing.T) {
	const capacity = 20
	l := newTestLink(t, capacity, accept)

	msgs := make([]*testMsg, capacity+1)
	for i := range msgs {
		msgs[i] = &testMsg{id: i}
	}
	for i := range capacity {
		if err := l.Send(msgs[i]); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- l.Send(msgs[capacity]) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) || !errors.Is(err, fault.ErrResourceExhausted) {
			t.Fatalf("send at capacity: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("send at capacity blocked")
	}

	// The rejected message is still the caller's to free.
	rejected := msgs[capacity]
	if rejected.released.Load() != 0 {
		t.Fatalf("link released a rejected message")
	}
	rejected.Release()

	if l.Len() != capacity {
		t.Fatalf("queue length = %d", l.Len())
	}
	var got []int
	for {
		m, ok := l.TryReceive()
		if !ok {
			break
		}
		got = append(got, m.(*testMsg).id)
	}
	want := make([]int, capacity)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dequeued ids (-want +got):\n%s", diff)
	}
	if rejected.released.Load() != 1 {
		t.Fatalf("rejected message released %d times", rejected.released.Load())
	}
	if c := l.Counters(); c.Sent != capacity || c.Full != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestSendWakesConsumer(t *testing.T) {
	l := newTestLink(t, 2, accept)
	sig := osal.NewSignal()
	if err := l.Bind(sig); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := l.Bind(osal.NewSignal()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("second bind: %v", err)
	}

	if err := l.Send(&testMsg{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sig.Wait(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("consumer not woken: %v", err)
	}
}

func TestDeliverReleasesRejected(t *testing.T) {
	errDrop := errors.New("drop")
	l := newTestLink(t, 4, func(_ context.Context, m Message) error {
		if m.(*testMsg).id%2 == 1 {
			return errDrop
		}
		return nil
	})

	msgs := []*testMsg{{id: 0}, {id: 1}, {id: 2}, {id: 3}}
	for _, m := range msgs {
		if err := l.Send(m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var reported []error
	if n := l.Drain(context.Background(), func(err error) { reported = append(reported, err) }); n != 4 {
		t.Fatalf("drained %d", n)
	}
	if len(reported) != 2 {
		t.Fatalf("reported %d errors", len(reported))
	}
	for _, m := range msgs {
		want := int32(m.id % 2)
		if got := m.released.Load(); got != want {
			t.Fatalf("message %d released %d times, want %d", m.id, got, want)
		}
	}
	if c := l.Counters(); c.Delivered != 2 || c.Rejected != 2 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestReceiveTimeout(t *testing.T) {
	l := newTestLink(t, 1, accept)
	if _, err := l.Receive(context.Background(), 10*time.Millisecond); !errors.Is(err, osal.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSingleProducerSingleConsumer(t *testing.T) {
	const total = 1000
	var got atomic.Int64
	l := newTestLink(t, 8, func(context.Context, Message) error {
		got.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for got.Load() < total {
			m, err := l.Receive(ctx, 0)
			if err != nil {
				return
			}
			_ = l.Deliver(ctx, m)
		}
	}()

	for i := 0; i < total; {
		if err := l.Send(&testMsg{id: i}); err != nil {
			if !errors.Is(err, ErrQueueFull) {
				t.Fatalf("send: %v", err)
			}
			time.Sleep(time.Microsecond)
			continue
		}
		i++
	}
	wg.Wait()
	if got.Load() != total {
		t.Fatalf("delivered %d, want %d", got.Load(), total)
	}
}
