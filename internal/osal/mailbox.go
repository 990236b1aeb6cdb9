package osal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/gistack/internal/fault"
)

var (
	// ErrTimeout is returned by blocking receives whose timeout elapsed.
	ErrTimeout = errors.New("osal: timeout")
	// ErrMailboxFull is returned by Post on a mailbox at capacity.
	ErrMailboxFull = fmt.Errorf("osal: mailbox full: %w", fault.ErrResourceExhausted)
)

// Mailbox is a bounded FIFO of T. Its storage is allocated once, at
// creation, and never grows.
type Mailbox[T any] struct {
	ch chan T
}

// NewMailbox returns a mailbox holding at most capacity messages.
func NewMailbox[T any](capacity int) (*Mailbox[T], error) {
	if capacity <= 0 {
		return nil, fault.Configf("mailbox.capacity", "must be positive, got %d", capacity)
	}
	return &Mailbox[T]{ch: make(chan T, capacity)}, nil
}

// Post enqueues v without blocking.
func (m *Mailbox[T]) Post(v T) error {
	select {
	case m.ch <- v:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Fetch blocks until a message is available, the timeout elapses or ctx is
// done. timeout <= 0 waits forever.
func (m *Mailbox[T]) Fetch(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	// Fast path keeps the common case free of timer allocations.
	select {
	case v := <-m.ch:
		return v, nil
	default:
	}

	if timeout <= 0 {
		select {
		case v := <-m.ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-m.ch:
		return v, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryFetch dequeues a message if one is immediately available.
func (m *Mailbox[T]) TryFetch() (T, bool) {
	select {
	case v := <-m.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len reports the number of queued messages.
func (m *Mailbox[T]) Len() int { return len(m.ch) }

// Cap reports the fixed capacity.
func (m *Mailbox[T]) Cap() int { return cap(m.ch) }
