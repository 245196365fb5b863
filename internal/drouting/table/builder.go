package table

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/gateway"
)

// RuleSpec describes a rule as read from the data source.
type RuleSpec struct {
	ID          int
	Groups      []int
	Prefix      string
	Priority    int
	RouteID     string
	Runs        [][]int // gateway ids; each inner slice is one interchangeable run
	Description string
}

// Builder assembles a Snapshot. It is not safe for concurrent use.
type Builder struct {
	source   string
	gateways *gateway.Registry
	tree     *Tree
	noPrefix map[int]*Rule
	rules    map[int]*Rule
	groups   map[int]struct{}
	built    bool
}

// NewBuilder creates a builder for a snapshot loaded from source.
func NewBuilder(source string) *Builder {
	return &Builder{
		source:   source,
		gateways: gateway.NewRegistry(),
		tree:     NewTree(),
		noPrefix: make(map[int]*Rule),
		rules:    make(map[int]*Rule),
		groups:   make(map[int]struct{}),
	}
}

// AddGateway registers a gateway; ids must be unique.
func (b *Builder) AddGateway(g *gateway.Gateway) error {
	if g.Strip < 0 {
		return fmt.Errorf("gateway %d: negative strip %d", g.ID, g.Strip)
	}
	return b.gateways.Add(g)
}

// AddRule resolves the rule's gateway ids and binds it to every listed group.
// When two rules claim the same (prefix, group), the higher priority wins and
// ties go to the lower rule id.
func (b *Builder) AddRule(spec RuleSpec) error {
	if !ValidPrefix(spec.Prefix) {
		return fmt.Errorf("rule %d: invalid prefix %q", spec.ID, spec.Prefix)
	}
	if len(spec.Groups) == 0 {
		return fmt.Errorf("rule %d: no caller group", spec.ID)
	}
	if _, exists := b.rules[spec.ID]; exists {
		return fmt.Errorf("duplicate rule id %d", spec.ID)
	}

	rule := &Rule{
		ID:          spec.ID,
		Prefix:      spec.Prefix,
		Priority:    spec.Priority,
		RouteID:     spec.RouteID,
		Description: spec.Description,
	}
	for group, run := range spec.Runs {
		for _, id := range run {
			gw, ok := b.gateways.Get(id)
			if !ok {
				return fmt.Errorf("rule %d: unknown gateway id %d", spec.ID, id)
			}
			rule.Entries = append(rule.Entries, gateway.Entry{Gateway: gw, Group: group})
		}
	}
	if err := rule.checkGrouping(); err != nil {
		return err
	}

	bound := false
	for _, group := range spec.Groups {
		current, exists := b.bound(spec.Prefix, group)
		if exists && !outranks(rule, current) {
			slog.Warn("[Table] Rule shadowed by higher priority rule",
				"rule_id", rule.ID,
				"kept_rule_id", current.ID,
				"prefix", rule.Prefix,
				"group", group)
			continue
		}
		if exists {
			slog.Warn("[Table] Rule replaces lower priority rule",
				"rule_id", rule.ID,
				"dropped_rule_id", current.ID,
				"prefix", rule.Prefix,
				"group", group)
		}
		if spec.Prefix == "" {
			b.noPrefix[group] = rule
		} else if err := b.tree.Set(spec.Prefix, group, rule); err != nil {
			return fmt.Errorf("rule %d: %w", spec.ID, err)
		}
		b.groups[group] = struct{}{}
		bound = true
	}
	if bound {
		b.rules[rule.ID] = rule
	}
	return nil
}

func (b *Builder) bound(prefix string, group int) (*Rule, bool) {
	if prefix == "" {
		r, ok := b.noPrefix[group]
		return r, ok
	}
	return b.tree.Get(prefix, group)
}

func outranks(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// Build finalizes the snapshot. The builder must not be used afterwards.
func (b *Builder) Build() (*Snapshot, error) {
	if b.built {
		return nil, fmt.Errorf("builder already used")
	}
	b.built = true
	b.gateways.Seal()

	// A rule replaced for every group it was bound to is unreachable.
	live := make(map[*Rule]struct{})
	for _, r := range b.noPrefix {
		live[r] = struct{}{}
	}
	collect(b.tree.root, live)

	rules := make([]*Rule, 0, len(live))
	for r := range live {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	return &Snapshot{
		ID:       uuid.New(),
		Source:   b.source,
		LoadedAt: time.Now(),
		tree:     b.tree,
		noPrefix: b.noPrefix,
		gateways: b.gateways,
		rules:    rules,
		groups:   sortedGroups(b.groups),
	}, nil
}

func collect(n *node, live map[*Rule]struct{}) {
	if n == nil {
		return
	}
	for _, r := range n.rules {
		live[r] = struct{}{}
	}
	for _, c := range n.children {
		collect(c, live)
	}
}
