package gateway

import (
	"fmt"
	"net/netip"
	"sort"
)

// Registry is the flat gateway list of one snapshot.
// It is populated by the loader and read-only after publication.
type Registry struct {
	byID map[int]*Gateway
	list []*Gateway
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[int]*Gateway),
	}
}

// Add registers a gateway. Ids must be unique.
func (r *Registry) Add(g *Gateway) error {
	if g == nil {
		return fmt.Errorf("nil gateway")
	}
	if _, exists := r.byID[g.ID]; exists {
		return fmt.Errorf("duplicate gateway id %d", g.ID)
	}
	r.byID[g.ID] = g
	r.list = append(r.list, g)
	return nil
}

// Get returns the gateway with the given id.
func (r *Registry) Get(id int) (*Gateway, bool) {
	g, ok := r.byID[id]
	return g, ok
}

// All returns gateways sorted by id. The slice is shared; do not modify it.
func (r *Registry) All() []*Gateway {
	return r.list
}

// Len returns the number of gateways
func (r *Registry) Len() int {
	return len(r.list)
}

// Seal sorts the list by id; called once by the snapshot builder.
func (r *Registry) Seal() {
	sort.Slice(r.list, func(i, j int) bool { return r.list[i].ID < r.list[j].ID })
}

// SetState updates the liveness of one gateway. Returns false for unknown ids.
func (r *Registry) SetState(id int, s State) bool {
	g, ok := r.byID[id]
	if !ok {
		return false
	}
	g.SetState(s)
	return true
}

// CarryStates copies liveness from gateways of a previous registry that
// share the same address, so a reload does not reset probe results.
func (r *Registry) CarryStates(prev *Registry) int {
	if prev == nil {
		return 0
	}
	carried := 0
	for _, g := range r.list {
		for _, old := range prev.list {
			if old.Address.Equal(g.Address) {
				g.SetState(old.State())
				carried++
				break
			}
		}
	}
	return carried
}

// MatchSource finds a gateway whose IP equals ip. A gateway port of 0 matches
// any source port; typ < 0 matches any gateway type.
func (r *Registry) MatchSource(ip netip.Addr, port int, typ int) (*Gateway, bool) {
	ip = ip.Unmap()
	for _, g := range r.list {
		if !g.IP.IsValid() || g.IP.Unmap() != ip {
			continue
		}
		if typ >= 0 && g.Type != typ {
			continue
		}
		if g.Address.Port != 0 && port != 0 && g.Address.Port != port {
			continue
		}
		return g, true
	}
	return nil, false
}
