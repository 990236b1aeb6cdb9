package osal

import (
	"context"
	"time"
)

// Signal is a binary semaphore. Posts coalesce: any number of posts before a
// Wait wake it exactly once, so waiters must drain their sources fully after
// each wakeup.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Post marks the signal ready. It never blocks and is safe from any
// goroutine, including a simulated interrupt handler.
func (s *Signal) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is posted, the timeout elapses or ctx is
// done. timeout <= 0 waits forever.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-s.ch:
		return nil
	default:
	}

	if timeout <= 0 {
		select {
		case <-s.ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
