// Package table implements the routing table snapshot: a prefix tree keyed by
// dialed number and caller group, a per-group fallback rule set, and the flat
// gateway registry. A Snapshot is immutable once built.
package table

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/gateway"
)

// Snapshot is one complete routing table.
type Snapshot struct {
	ID       uuid.UUID
	Source   string
	LoadedAt time.Time

	tree     *Tree
	noPrefix map[int]*Rule
	gateways *gateway.Registry
	rules    []*Rule
	groups   []int
}

// Stats summarizes snapshot contents.
type Stats struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	LoadedAt  time.Time `json:"loaded_at"`
	Gateways  int       `json:"gateways"`
	Rules     int       `json:"rules"`
	TreeNodes int       `json:"tree_nodes"`
	NoPrefix  int       `json:"no_prefix_rules"`
	Groups    []int     `json:"groups"`
}

// Empty returns a snapshot with no rules and no gateways.
func Empty() *Snapshot {
	s, _ := NewBuilder("empty").Build()
	return s
}

// Lookup performs the longest-prefix match for number under group, falling
// back to the group's no-prefix rule.
func (s *Snapshot) Lookup(number string, group int) (*Rule, bool) {
	if r, ok := s.tree.Match(number, group); ok {
		return r, true
	}
	r, ok := s.noPrefix[group]
	return r, ok
}

// Gateways returns the gateway registry of this snapshot.
func (s *Snapshot) Gateways() *gateway.Registry {
	return s.gateways
}

// Rules returns every distinct rule, ordered by id.
func (s *Snapshot) Rules() []*Rule {
	return s.rules
}

// Stats returns counters for the management API.
func (s *Snapshot) Stats() Stats {
	return Stats{
		ID:        s.ID.String(),
		Source:    s.Source,
		LoadedAt:  s.LoadedAt,
		Gateways:  s.gateways.Len(),
		Rules:     len(s.rules),
		TreeNodes: s.tree.Nodes(),
		NoPrefix:  len(s.noPrefix),
		Groups:    s.groups,
	}
}

func sortedGroups(set map[int]struct{}) []int {
	groups := make([]int, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Ints(groups)
	return groups
}
