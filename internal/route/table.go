package route

import (
	"fmt"
	"maps"
	"slices"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/gistack/internal/fault"
)

// Entry is one registered hardware address and its policy.
type Entry struct {
	Name string
	Addr tcpip.LinkAddress
	// Verdicts overrides Fallback for specific classes, for example to
	// drop ARP on a statically resolved address.
	Verdicts map[Class]Verdict
	Fallback Verdict
}

func (e *Entry) verdict(c Class) Verdict {
	if v, ok := e.Verdicts[c]; ok {
		return v
	}
	return e.Fallback
}

// AddressTable dispatches on destination hardware address. Entries are
// matched in order and the first match wins; an unmatched address uses the
// default entry, or is discarded when there is none. Frames classified as
// ClassUnknown are always discarded.
type AddressTable struct {
	entries []Entry
	def     *Entry
}

// NewAddressTable validates entries against an interface with links
// outbound links.
func NewAddressTable(links int, def *Entry, entries ...Entry) (*AddressTable, error) {
	if len(entries) == 0 && def == nil {
		return nil, fault.Configf("route.table", "no entries and no default")
	}

	seen := make(map[tcpip.LinkAddress]string, len(entries))
	t := &AddressTable{entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		field := "route.table." + e.Name
		if len(e.Addr) != header.EthernetAddressSize {
			return nil, fault.Configf(field, "address %q is not %d bytes", e.Addr, header.EthernetAddressSize)
		}
		if other, ok := seen[e.Addr]; ok {
			return nil, fault.Configf(field, "address %s already registered by %q", e.Addr, other)
		}
		seen[e.Addr] = e.Name
		if err := checkEntry(field, links, &e); err != nil {
			return nil, err
		}
		e.Verdicts = maps.Clone(e.Verdicts)
		t.entries = append(t.entries, e)
	}
	if def != nil {
		d := *def
		if err := checkEntry("route.table.default", links, &d); err != nil {
			return nil, err
		}
		d.Verdicts = maps.Clone(d.Verdicts)
		t.def = &d
	}
	return t, nil
}

func checkEntry(field string, links int, e *Entry) error {
	check := func(what string, v Verdict) error {
		if i, ok := v.Link(); ok && i >= links {
			return fault.Configf(field, "%s routes to link %d, interface has %d", what, i, links)
		}
		return nil
	}
	if err := check("fallback", e.Fallback); err != nil {
		return err
	}
	for _, c := range slices.Sorted(maps.Keys(e.Verdicts)) {
		if err := check(c.String(), e.Verdicts[c]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the entry registered for addr.
func (t *AddressTable) Lookup(addr tcpip.LinkAddress) (Entry, bool) {
	for _, e := range t.entries {
		if e.Addr == addr {
			return e, true
		}
	}
	return Entry{}, false
}

// Route implements Router.
func (t *AddressTable) Route(c *Context) Verdict {
	if c.Class == ClassUnknown {
		return Discard
	}
	for i := range t.entries {
		if t.entries[i].Addr == c.LinkAddr {
			return t.entries[i].verdict(c.Class)
		}
	}
	if t.def == nil {
		return Discard
	}
	return t.def.verdict(c.Class)
}

// ProtocolSwitch dispatches on a single integer protocol field. Anything
// not listed is discarded.
type ProtocolSwitch struct {
	cases map[uint32]Verdict
}

// NewProtocolSwitch validates cases against an interface with links
// outbound links.
func NewProtocolSwitch(links int, cases map[uint32]Verdict) (*ProtocolSwitch, error) {
	if len(cases) == 0 {
		return nil, fault.Configf("route.switch", "no protocols")
	}
	for _, p := range slices.Sorted(maps.Keys(cases)) {
		i, ok := cases[p].Link()
		if ok && i >= links {
			return nil, fault.Configf(fmt.Sprintf("route.switch.%d", p), "routes to link %d, interface has %d", i, links)
		}
	}
	return &ProtocolSwitch{cases: maps.Clone(cases)}, nil
}

// Route implements Router.
func (s *ProtocolSwitch) Route(c *Context) Verdict {
	if v, ok := s.cases[c.Protocol]; ok {
		return v
	}
	return Discard
}
