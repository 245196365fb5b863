package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/drouter/internal/drouting/table"
)

// LoadFunc produces a complete snapshot or an error.
type LoadFunc func(ctx context.Context) (*table.Snapshot, error)

// Outcome records one reload attempt.
type Outcome struct {
	RequestID  string        `json:"request_id"`
	Trigger    string        `json:"trigger"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Generation uint64        `json:"generation,omitempty"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Trigger loads a fresh snapshot and installs it. A failed load leaves the
// current snapshot in place. Reloads run one at a time, load included, so a
// slow load never installs over data read after it.
type Trigger struct {
	coord *Coordinator
	load  LoadFunc

	running sync.Mutex

	mu       sync.Mutex
	last     *Outcome
	failures uint64
}

// NewTrigger binds a loader to a coordinator.
func NewTrigger(coord *Coordinator, load LoadFunc) *Trigger {
	return &Trigger{coord: coord, load: load}
}

// Reload runs one load and install. source names the caller (api, cron,
// startup) for logging.
func (t *Trigger) Reload(ctx context.Context, source string) (Outcome, error) {
	t.running.Lock()
	defer t.running.Unlock()

	out := Outcome{RequestID: uuid.NewString(), Trigger: source, At: time.Now()}

	snap, err := t.load(ctx)
	if err != nil {
		out.Duration = time.Since(out.At)
		out.Error = err.Error()
		t.record(out, true)
		slog.Error("[Reload] Load failed, keeping current snapshot",
			"request_id", out.RequestID,
			"trigger", source,
			"error", err)
		return out, fmt.Errorf("reload: %w", err)
	}

	res, err := t.coord.Install(snap)
	out.Duration = time.Since(out.At)
	if err != nil {
		out.Error = err.Error()
		t.record(out, true)
		return out, fmt.Errorf("reload: %w", err)
	}
	out.Generation = res.Generation
	out.SnapshotID = res.SnapshotID.String()
	t.record(out, false)

	slog.Info("[Reload] Reload complete",
		"request_id", out.RequestID,
		"trigger", source,
		"generation", res.Generation,
		"duration", out.Duration)
	return out, nil
}

func (t *Trigger) record(out Outcome, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &out
	if failed {
		t.failures++
	}
}

// Last returns the most recent outcome, if any.
func (t *Trigger) Last() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Outcome{}, false
	}
	return *t.last, true
}

// Failures returns the number of failed reloads.
func (t *Trigger) Failures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}
