// Package gateway holds the physical next hops a routing snapshot points at.
//
// A Gateway is immutable once its snapshot is published, with one exception:
// the liveness cell, which the keepalive prober updates in place with single
// atomic stores while lookups read it concurrently.
package gateway

import (
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

// State is the liveness classification of a gateway.
type State uint32

const (
	// StateUnknown - no probe result yet, treated as usable
	StateUnknown State = iota
	// StateUp - last probes succeeded
	StateUp
	// StateDown - gateway is excluded from selection
	StateDown
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseState parses "up", "down" or "unknown" (case-insensitive).
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return StateUp, nil
	case "down":
		return StateDown, nil
	case "unknown", "":
		return StateUnknown, nil
	default:
		return StateUnknown, fmt.Errorf("invalid gateway state %q", s)
	}
}

// Gateway is a single destination with its static routing attributes.
type Gateway struct {
	ID          int
	Type        int
	Address     Address
	Strip       int    // leading characters removed from the dialed user part
	Prefix      string // prepended after stripping
	Attrs       string // opaque, handed back to the caller of the routing decision
	Description string

	// IP is set when the host is an IP literal or was resolved at load time.
	IP netip.Addr

	state atomic.Uint32
}

// State returns the current liveness state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// SetState atomically updates the liveness state.
func (g *Gateway) SetState(s State) {
	g.state.Store(uint32(s))
}

// IsDown reports whether the gateway must be skipped by selection.
func (g *Gateway) IsDown() bool {
	return g.State() == StateDown
}

// SameDestination reports whether two gateways point at the same physical box.
// Gateways from one snapshot are compared by identity; the address comparison
// covers distinct ids configured with the same host and port.
func (g *Gateway) SameDestination(o *Gateway) bool {
	if g == o {
		return true
	}
	if g == nil || o == nil {
		return false
	}
	return g.Address.Equal(o.Address)
}

func (g *Gateway) String() string {
	return fmt.Sprintf("gw%d(%s)", g.ID, g.Address.HostPort())
}

// Entry is one position in a rule's gateway list.
type Entry struct {
	Gateway *Gateway
	// Group marks interchangeable gateways at the same priority tier.
	Group int
}
