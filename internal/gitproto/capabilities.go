// Package gitproto encodes and decodes the client side of the git Smart HTTP
// protocol: capability negotiation, upload-pack requests, receive-pack
// requests and report-status responses. Framing is delegated to go-git's
// pktline package.
package gitproto

import (
	"fmt"
	"strings"
)

// Agent is the agent string sent in capability lists.
var Agent = "fush/dev"

// A Capability is a protocol capability token, optionally of the form key=value.
type Capability string

// Name returns the capability name without its value.
func (c Capability) Name() string {
	name, _, _ := strings.Cut(string(c), "=")
	return name
}

// Value returns the part after '=', or "" if there is none.
func (c Capability) Value() string {
	_, value, _ := strings.Cut(string(c), "=")
	return value
}

// Well-known capability names used by the synchronizer.
const (
	MultiACKDetailed Capability = "multi_ack_detailed"
	NoDone           Capability = "no-done"
	SideBand64k      Capability = "side-band-64k"
	SideBand         Capability = "side-band"
	OFSDelta         Capability = "ofs-delta"
	ThinPack         Capability = "thin-pack"
	ReportStatus     Capability = "report-status"
	DeleteRefs       Capability = "delete-refs"
	AgentName        Capability = "agent"
)

// CapabilityList is an ordered list of capabilities. Order is significant on
// the wire and is always the order of the whitelist it was negotiated from.
type CapabilityList []Capability

// ParseCapabilityList splits a space-separated capability string.
func ParseCapabilityList(s string) CapabilityList {
	fields := strings.Fields(s)
	list := make(CapabilityList, 0, len(fields))
	for _, f := range fields {
		list = append(list, Capability(f))
	}
	return list
}

// Has reports whether a capability with the given name is present.
func (l CapabilityList) Has(name Capability) bool {
	for _, c := range l {
		if c.Name() == name.Name() {
			return true
		}
	}
	return false
}

// Without returns a copy of l with every capability named name removed.
func (l CapabilityList) Without(name Capability) CapabilityList {
	out := make(CapabilityList, 0, len(l))
	for _, c := range l {
		if c.Name() != name.Name() {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the capability names without values.
func (l CapabilityList) Names() []string {
	names := make([]string, 0, len(l))
	for _, c := range l {
		names = append(names, c.Name())
	}
	return names
}

// String joins the list with single spaces, as sent on the wire.
func (l CapabilityList) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = string(c)
	}
	return strings.Join(parts, " ")
}

// FetchCapabilities returns the ordered whitelist of capabilities the
// synchronizer may request from an upload-pack service.
//
// thin-pack is deliberately absent and must stay absent: the relay forwards
// pack bytes verbatim and never fattens them, and strict receivers reject thin
// packs with "pack has N unresolved deltas".
func FetchCapabilities() CapabilityList {
	return CapabilityList{
		MultiACKDetailed,
		NoDone,
		SideBand64k,
		OFSDelta,
		Capability(fmt.Sprintf("%s=%s", AgentName, Agent)),
	}
}

// PushCapabilities returns the ordered whitelist of capabilities the
// synchronizer may request from a receive-pack service.
func PushCapabilities() CapabilityList {
	return CapabilityList{
		ReportStatus,
		SideBand64k,
		OFSDelta,
		DeleteRefs,
		Capability(fmt.Sprintf("%s=%s", AgentName, Agent)),
	}
}

// Negotiate returns the whitelist entries whose name the server advertised,
// in whitelist order. Values come from the whitelist, so our own agent string
// is sent rather than the server's.
func Negotiate(advertised, whitelist CapabilityList) CapabilityList {
	offered := make(map[string]bool, len(advertised))
	for _, c := range advertised {
		offered[c.Name()] = true
	}

	out := make(CapabilityList, 0, len(whitelist))
	for _, c := range whitelist {
		if offered[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// Restrict narrows whitelist to the given names, keeping whitelist order.
// An empty names list returns the whitelist unchanged. Names that are not in
// the whitelist are reported as an error.
func Restrict(whitelist CapabilityList, names []string) (CapabilityList, error) {
	if len(names) == 0 {
		return whitelist, nil
	}

	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		if !whitelist.Has(Capability(n)) {
			return nil, fmt.Errorf("capability %q is not supported", n)
		}
		allowed[Capability(n).Name()] = true
	}

	out := make(CapabilityList, 0, len(names))
	for _, c := range whitelist {
		if allowed[c.Name()] {
			out = append(out, c)
		}
	}
	return out, nil
}
