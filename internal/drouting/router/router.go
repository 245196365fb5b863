// Package router is the routing decision entry point. For one call it
// resolves the caller group, looks the dialed number up in the current
// snapshot, runs the rule's pre-route hook, orders the gateways and rewrites
// the Request-URI, keeping the remaining destinations for failover.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/destination"
	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/sebas/drouter/internal/drouting/reload"
	"github.com/sebas/drouter/internal/drouting/selector"
	"github.com/sebas/drouter/internal/drouting/table"
)

// GroupResolver maps a caller identity to a caller group.
type GroupResolver interface {
	ResolveGroup(ctx context.Context, user, domain string) (int, error)
}

// Hook is a pre-route check bound to a rule's route id. Returning false
// vetoes the rule.
type Hook func(ctx context.Context, call Call, rule *table.Rule) bool

// Decision is the outcome of a successful routing decision.
type Decision struct {
	SnapshotID uuid.UUID     `json:"snapshot_id"`
	Generation uint64        `json:"generation"`
	RuleID     int           `json:"rule_id"`
	Prefix     string        `json:"prefix"`
	Group      int           `json:"group"`
	Primary    Destination   `json:"primary"`
	Reserve    []Destination `json:"reserve"`
}

// All returns the primary destination followed by the reserve.
func (d *Decision) All() []Destination {
	return append([]Destination{d.Primary}, d.Reserve...)
}

// Router makes routing decisions against the coordinator's current snapshot.
type Router struct {
	coord  *reload.Coordinator
	sel    *selector.Selector
	groups GroupResolver

	hooksMu sync.RWMutex
	hooks   map[string]Hook
}

// New creates a router.
func New(coord *reload.Coordinator, sel *selector.Selector, groups GroupResolver) *Router {
	return &Router{
		coord:  coord,
		sel:    sel,
		groups: groups,
		hooks:  make(map[string]Hook),
	}
}

// RegisterHook binds a pre-route hook to a route id.
func (r *Router) RegisterHook(routeID string, h Hook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks[routeID] = h
}

func (r *Router) hook(routeID string) Hook {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.hooks[routeID]
}

// Route resolves the caller group from the From URI and routes the call.
func (r *Router) Route(ctx context.Context, call Call) (*Decision, error) {
	number := userOf(call.RequestURI())

	var from sip.Uri
	if err := sip.ParseUri(call.FromURI(), &from); err != nil {
		return nil, &RoutingError{Stage: StageResolveGroup, Number: number, Group: -1,
			Cause: fmt.Errorf("%w: from uri: %v", ErrGroupResolution, err)}
	}
	if r.groups == nil {
		return nil, &RoutingError{Stage: StageResolveGroup, Number: number, Group: -1,
			Cause: fmt.Errorf("%w: no resolver", ErrGroupResolution)}
	}
	group, err := r.groups.ResolveGroup(ctx, from.User, from.Host)
	if err != nil {
		slog.Debug("[Router] Group resolution failed",
			"user", from.User,
			"domain", from.Host,
			"error", err)
		return nil, &RoutingError{Stage: StageResolveGroup, Number: number, Group: -1,
			Cause: fmt.Errorf("%w: %v", ErrGroupResolution, err)}
	}
	return r.RouteGroup(ctx, call, group)
}

// RouteGroup routes the call for an explicit caller group. The call is only
// modified when every step succeeds.
func (r *Router) RouteGroup(ctx context.Context, call Call, group int) (*Decision, error) {
	ruri := call.RequestURI()
	var uri sip.Uri
	if err := sip.ParseUri(ruri, &uri); err != nil {
		return nil, &RoutingError{Stage: StageLookup, Number: ruri, Group: group,
			Cause: fmt.Errorf("%w: %v", ErrInvalidRequestURI, err)}
	}
	number := uri.User

	reader, err := r.coord.Enter()
	if err != nil {
		return nil, &RoutingError{Stage: StageLookup, Number: number, Group: group, Cause: ErrNoSnapshot}
	}
	defer reader.Exit()
	snap := reader.Snapshot()

	rule, ok := snap.Lookup(number, group)
	if !ok {
		slog.Debug("[Router] No rule matched", "number", number, "group", group)
		return nil, &RoutingError{Stage: StageLookup, Number: number, Group: group, Cause: ErrLookupMiss}
	}

	if rule.HasPreRoute() {
		if h := r.hook(rule.RouteID); h == nil {
			slog.Debug("[Router] No hook registered for route id", "route_id", rule.RouteID, "rule_id", rule.ID)
		} else if !h(ctx, call, rule) {
			slog.Debug("[Router] Pre-route hook dropped routing", "route_id", rule.RouteID, "rule_id", rule.ID)
			return nil, &RoutingError{Stage: StagePreRoute, Number: number, Group: group, Cause: ErrScriptVeto}
		}
		// the hook may have rewritten the request
		ruri = call.RequestURI()
	}

	entries, err := r.sel.Select(rule.Entries)
	if err != nil {
		slog.Warn("[Router] All gateways of rule are down",
			"rule_id", rule.ID,
			"number", number,
			"group", group)
		return nil, &RoutingError{Stage: StageSelect, Number: number, Group: group, Cause: err}
	}

	dests := make([]Destination, 0, len(entries))
	for _, e := range entries {
		u, err := destination.BuildURI(ruri, e.Gateway)
		if err != nil {
			slog.Error("[Router] Failed to build destination",
				"rule_id", rule.ID,
				"gateway", e.Gateway.String(),
				"error", err)
			return nil, &RoutingError{Stage: StageBuildURI, Number: number, Group: group, Cause: err}
		}
		dests = append(dests, Destination{URI: u, GatewayID: e.Gateway.ID, Group: e.Group, Attrs: e.Gateway.Attrs})
	}

	if err := call.SetRequestURI(dests[0].URI); err != nil {
		return nil, &RoutingError{Stage: StageCommit, Number: number, Group: group, Cause: err}
	}
	f := call.Failover()
	f.Attrs = dests[0].Attrs
	f.Reserve = dests[1:]

	slog.Debug("[Router] Call routed",
		"number", number,
		"group", group,
		"rule_id", rule.ID,
		"destination", dests[0].URI,
		"reserve", len(dests)-1)

	return &Decision{
		SnapshotID: snap.ID,
		Generation: reader.Generation(),
		RuleID:     rule.ID,
		Prefix:     rule.Prefix,
		Group:      group,
		Primary:    dests[0],
		Reserve:    dests[1:],
	}, nil
}

// NextRoute moves the call to the next destination of its failover reserve.
func (r *Router) NextRoute(call Call) (Destination, error) {
	f := call.Failover()
	if len(f.Reserve) == 0 {
		return Destination{}, ErrNoMoreGateways
	}
	next := f.Reserve[0]
	if err := call.SetRequestURI(next.URI); err != nil {
		return Destination{}, err
	}
	f.Reserve = f.Reserve[1:]
	f.Attrs = next.Attrs
	slog.Debug("[Router] Failing over", "destination", next.URI, "remaining", len(f.Reserve))
	return next, nil
}

// Preview is a lookup and selection without side effects.
type Preview struct {
	Rule     *table.Rule
	Selected []gateway.Entry
}

// Lookup returns the matched rule and the order a call would get now.
func (r *Router) Lookup(number string, group int) (*Preview, error) {
	reader, err := r.coord.Enter()
	if err != nil {
		return nil, ErrNoSnapshot
	}
	defer reader.Exit()

	rule, ok := reader.Snapshot().Lookup(number, group)
	if !ok {
		return nil, &RoutingError{Stage: StageLookup, Number: number, Group: group, Cause: ErrLookupMiss}
	}
	// an empty selection means every gateway is down
	sel, _ := r.sel.Select(rule.Entries)
	return &Preview{Rule: rule, Selected: sel}, nil
}

func userOf(uri string) string {
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil {
		return uri
	}
	return u.User
}
