package table

import (
	"fmt"

	"github.com/sebas/drouter/internal/drouting/gateway"
)

// Rule is the routing decision bound to one (prefix, caller group) pair.
type Rule struct {
	ID          int
	Prefix      string
	Priority    int
	RouteID     string // pre-routing hook name, empty when none
	Entries     []gateway.Entry
	Description string
}

// PrefixLen is the number of dialed characters consumed by the match.
func (r *Rule) PrefixLen() int {
	return len(r.Prefix)
}

// HasPreRoute reports whether a pre-routing hook must accept the rule first.
func (r *Rule) HasPreRoute() bool {
	return r.RouteID != ""
}

// checkGrouping enforces that entries sharing a group id form one
// contiguous run.
func (r *Rule) checkGrouping() error {
	closed := make(map[int]bool)
	for i, e := range r.Entries {
		if e.Gateway == nil {
			return fmt.Errorf("rule %d: entry %d has no gateway", r.ID, i)
		}
		if i > 0 && r.Entries[i-1].Group != e.Group {
			closed[r.Entries[i-1].Group] = true
		}
		if closed[e.Group] {
			return fmt.Errorf("rule %d: group %d is not contiguous", r.ID, e.Group)
		}
	}
	return nil
}
