// Package keepalive probes gateways with SIP OPTIONS and flips their
// liveness cells after consecutive successes or failures.
package keepalive

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sebas/drouter/internal/drouting/gateway"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds prober parameters.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	UpThreshold   int // consecutive successes before marking up
	DownThreshold int // consecutive failures before marking down
	Concurrency   int64
}

// DefaultConfig returns the default prober configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		Timeout:       2 * time.Second,
		UpThreshold:   1,
		DownThreshold: 3,
		Concurrency:   16,
	}
}

// target is one probed address and the gateways sharing it.
type target struct {
	addr      gateway.Address
	gateways  []*gateway.Gateway
	successes int
	failures  int
	lastErr   string
	lastProbe time.Time
}

// Status is a snapshot of one probe target.
type Status struct {
	Address    string    `json:"address"`
	GatewayIDs []int     `json:"gateway_ids"`
	State      string    `json:"state"`
	Successes  int       `json:"successes"`
	Failures   int       `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
	LastProbe  time.Time `json:"last_probe"`
}

// Prober periodically pings every registered gateway address.
type Prober struct {
	cfg    Config
	pinger Pinger

	mu      sync.Mutex
	targets map[string]*target
}

// New creates a prober.
func New(cfg Config, pinger Pinger) *Prober {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UpThreshold <= 0 {
		cfg.UpThreshold = def.UpThreshold
	}
	if cfg.DownThreshold <= 0 {
		cfg.DownThreshold = def.DownThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Prober{cfg: cfg, pinger: pinger, targets: make(map[string]*target)}
}

// SetGateways replaces the probed set. Counters of addresses present before
// and after are kept.
func (p *Prober) SetGateways(gws []*gateway.Gateway) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*target, len(gws))
	for _, gw := range gws {
		key := gw.Address.String()
		t, ok := next[key]
		if !ok {
			t = &target{addr: gw.Address}
			if old, found := p.targets[key]; found {
				t.successes, t.failures = old.successes, old.failures
				t.lastErr, t.lastProbe = old.lastErr, old.lastProbe
			}
			next[key] = t
		}
		t.gateways = append(t.gateways, gw)
	}
	p.targets = next
	slog.Info("[Keepalive] Probe targets updated", "targets", len(next), "gateways", len(gws))
}

// Run probes until ctx is canceled.
func (p *Prober) Run(ctx context.Context) error {
	slog.Info("[Keepalive] Prober started", "interval", p.cfg.Interval)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Keepalive] Prober stopped")
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce pings every target once, bounded by the configured concurrency.
func (p *Prober) ProbeOnce(ctx context.Context) {
	p.mu.Lock()
	targets := make([]*target, 0, len(p.targets))
	for _, t := range p.targets {
		targets = append(targets, t)
	}
	p.mu.Unlock()

	sem := semaphore.NewWeighted(p.cfg.Concurrency)
	g, gCtx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			pingCtx, cancel := context.WithTimeout(gCtx, p.cfg.Timeout)
			err := p.pinger.Ping(pingCtx, t.addr)
			cancel()
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			p.record(t, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prober) record(t *target, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.lastProbe = time.Now()
	if err == nil {
		t.failures = 0
		t.successes++
		t.lastErr = ""
		if t.successes >= p.cfg.UpThreshold {
			p.setState(t, gateway.StateUp)
		}
		return
	}
	t.successes = 0
	t.failures++
	t.lastErr = err.Error()
	if t.failures >= p.cfg.DownThreshold {
		p.setState(t, gateway.StateDown)
	}
}

func (p *Prober) setState(t *target, s gateway.State) {
	changed := false
	for _, gw := range t.gateways {
		if gw.State() != s {
			gw.SetState(s)
			changed = true
		}
	}
	if !changed {
		return
	}
	if s == gateway.StateDown {
		slog.Warn("[Keepalive] Gateway marked down", "address", t.addr.String(), "error", t.lastErr)
	} else {
		slog.Info("[Keepalive] Gateway marked up", "address", t.addr.String())
	}
}

// Status returns the state of every target, ordered by address.
func (p *Prober) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.targets))
	for _, t := range p.targets {
		st := Status{
			Address:   t.addr.String(),
			Successes: t.successes,
			Failures:  t.failures,
			LastError: t.lastErr,
			LastProbe: t.lastProbe,
		}
		for _, gw := range t.gateways {
			st.GatewayIDs = append(st.GatewayIDs, gw.ID)
		}
		if len(t.gateways) > 0 {
			st.State = t.gateways[0].State().String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
