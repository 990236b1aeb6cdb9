// Package route holds the per-frame routing decision.
//
// A router is a pure function of the dispatch context its stage filled in
// during classification and of the static tables it was built with.
package route

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tinyrange/gistack/internal/link"
)

// Verdict is either the index of an outbound link or Discard.
type Verdict int

const (
	// Discard drops the frame; the dispatcher frees it.
	Discard Verdict = -1
	// NotRouted is returned on paths where classification already disposed
	// of the frame, such as transmit. It is handled exactly like Discard.
	NotRouted = Discard
)

// Forward routes to outbound link i.
func Forward(i int) Verdict { return Verdict(i) }

// Link returns the link index and whether the verdict forwards at all.
func (v Verdict) Link() (int, bool) {
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

func (v Verdict) String() string {
	if v < 0 {
		return "discard"
	}
	return fmt.Sprintf("link %d", int(v))
}

// Class is the frame type decoded by classification.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassIPv4
	ClassARP
	ClassTransmit
)

func (c Class) String() string {
	switch c {
	case ClassUnknown:
		return "unknown"
	case ClassIPv4:
		return "ipv4"
	case ClassARP:
		return "arp"
	case ClassTransmit:
		return "transmit"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Context is the state of one dispatch, threaded from classification to
// routing. Each task owns its own Context, so stages never share a
// "current frame".
type Context struct {
	// Source is the inbound link the message arrived on.
	Source link.ID
	// Msg is the unit being dispatched. Classification may replace it, or
	// set it to nil once it has consumed it.
	Msg link.Message
	// Class is the decoded frame type.
	Class Class
	// LinkAddr is the destination hardware address of a received frame.
	LinkAddr tcpip.LinkAddress
	// Protocol is the protocol field the router switches on.
	Protocol uint32
}

// Reset clears c for the next dispatch.
func (c *Context) Reset(source link.ID, msg link.Message) {
	*c = Context{Source: source, Msg: msg}
}

// Router picks the outbound link for a classified frame.
type Router interface {
	Route(c *Context) Verdict
}

// Func adapts a function to Router.
type Func func(c *Context) Verdict

func (f Func) Route(c *Context) Verdict { return f(c) }

// None is the router of a direction that is never routed.
var None Router = Func(func(*Context) Verdict { return NotRouted })
