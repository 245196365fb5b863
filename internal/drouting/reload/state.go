package reload

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/table"
)

// State is the lifecycle state of one snapshot generation
type State uint32

const (
	// StateLive - current snapshot, readers may enter
	StateLive State = iota
	// StateRetiring - a replacement is pending, no new readers, in-flight readers finishing
	StateRetiring
	// StateReclaimed - replaced and no reader references it
	StateReclaimed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateRetiring:
		return "retiring"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// Generation is one installed snapshot with its lifecycle state.
type Generation struct {
	Number      uint64
	Snapshot    *table.Snapshot
	InstalledAt time.Time

	state atomic.Uint32
}

// State returns the generation's current lifecycle state
func (g *Generation) State() State {
	return State(g.state.Load())
}

func (g *Generation) setState(s State) {
	g.state.Store(uint32(s))
}

// InstallResult describes a completed install.
type InstallResult struct {
	Generation uint64        `json:"generation"`
	SnapshotID uuid.UUID     `json:"snapshot_id"`
	Previous   uuid.UUID     `json:"previous_snapshot_id"`
	Waited     time.Duration `json:"quiescence_wait"`
}

// Stats reports coordinator counters.
type Stats struct {
	Generation  uint64        `json:"generation"`
	SnapshotID  string        `json:"snapshot_id"`
	InstalledAt time.Time     `json:"installed_at"`
	InFlight    int           `json:"in_flight"`
	Pending     bool          `json:"reload_pending"`
	Installs    uint64        `json:"installs"`
	LastWait    time.Duration `json:"last_quiescence_wait"`
}
