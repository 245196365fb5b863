package router

import (
	"errors"
	"fmt"

	"github.com/sebas/drouter/internal/drouting/destination"
	"github.com/sebas/drouter/internal/drouting/selector"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrGroupResolution indicates the caller's group could not be determined.
	ErrGroupResolution = errors.New("caller group resolution failed")

	// ErrLookupMiss indicates no rule matches the dialed number for the group.
	ErrLookupMiss = errors.New("no matching routing rule")

	// ErrEmptyGatewayList indicates every gateway of the matched rule is down.
	ErrEmptyGatewayList = selector.ErrEmptyGatewayList

	// ErrInvalidRequestURI indicates a destination URI could not be built.
	ErrInvalidRequestURI = destination.ErrInvalidRequestURI

	// ErrScriptVeto indicates the rule's pre-route hook refused the call.
	ErrScriptVeto = errors.New("routing vetoed by pre-route hook")

	// ErrNoSnapshot indicates the routing table is shut down.
	ErrNoSnapshot = errors.New("no routing table available")

	// ErrNoMoreGateways indicates the failover reserve is exhausted.
	ErrNoMoreGateways = errors.New("no more gateways")
)

// Stage names the step of a routing decision that failed.
type Stage string

const (
	StageResolveGroup Stage = "resolve_group"
	StageLookup       Stage = "lookup"
	StagePreRoute     Stage = "pre_route"
	StageSelect       Stage = "select"
	StageBuildURI     Stage = "build_uri"
	StageCommit       Stage = "commit"
)

// RoutingError describes a failed routing decision.
type RoutingError struct {
	Stage  Stage
	Number string
	Group  int
	Cause  error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %q group %d: %s: %v", e.Number, e.Group, e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether the call has no usable route, as opposed to a
// data or infrastructure error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLookupMiss) || errors.Is(err, ErrEmptyGatewayList)
}
