// Package proto holds the collaborators that consume the uplinks of the
// data plane: a sink standing in for the statically configured IP module,
// an ARP responder and a UDP echo service.
package proto

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tinyrange/gistack/internal/fault"
	"github.com/tinyrange/gistack/internal/frame"
	"github.com/tinyrange/gistack/internal/ipv4"
	"github.com/tinyrange/gistack/internal/link"
	"github.com/tinyrange/gistack/internal/stage"
)

var (
	// ErrMalformed is returned for a message a collaborator cannot parse.
	ErrMalformed = errors.New("proto: malformed message")
	// ErrReplyLayout reports a reply whose header does not fit the first
	// segment of a frame.
	ErrReplyLayout = errors.New("proto: reply header does not fit first segment")
)

// Counters is a snapshot of a collaborator's activity.
type Counters struct {
	Messages uint64
	Bytes    uint64
	Replies  uint64
	Ignored  uint64
}

type counters struct {
	messages atomic.Uint64
	bytes    atomic.Uint64
	replies  atomic.Uint64
	ignored  atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Replies:  c.replies.Load(),
		Ignored:  c.ignored.Load(),
	}
}

func messageLen(msg link.Message) int {
	switch m := msg.(type) {
	case *frame.Buffer:
		return m.Len()
	case *ipv4.Packet:
		if m.Frame != nil {
			return m.Frame.Len()
		}
	}
	return 0
}

// Sink consumes and frees everything it is handed.
type Sink struct {
	name string
	c    counters
}

// NewSink returns a sink named name.
func NewSink(name string) *Sink { return &Sink{name: name} }

// Name returns the sink's name.
func (s *Sink) Name() string { return s.name }

// Handle is a link.Handler.
func (s *Sink) Handle(_ context.Context, msg link.Message) error {
	s.c.messages.Add(1)
	s.c.bytes.Add(uint64(messageLen(msg)))
	msg.Release()
	return nil
}

// Counters returns a snapshot of the sink's counters.
func (s *Sink) Counters() Counters { return s.c.snapshot() }

// replyFailed accounts a reply that could not be sent. The request has
// already been released, so the error must not reach link.Deliver.
func replyFailed(rec stage.Recorder, name string, err error) {
	if rec != nil {
		rec.Dropped(name, fault.Reason(err))
	}
}
