package keepalive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	mu       sync.Mutex
	down     map[string]bool
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newFakePinger() *fakePinger {
	return &fakePinger{down: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakePinger) setDown(host string, down bool) {
	f.mu.Lock()
	f.down[host] = down
	f.mu.Unlock()
}

func (f *fakePinger) Ping(ctx context.Context, target gateway.Address) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[target.Host]++
	if f.down[target.Host] {
		return errors.New("timeout")
	}
	return nil
}

func gw(id int, host string) *gateway.Gateway {
	return &gateway.Gateway{ID: id, Address: gateway.Address{Host: host, Port: 5060}}
}

func TestThresholds(t *testing.T) {
	pinger := newFakePinger()
	p := New(Config{UpThreshold: 2, DownThreshold: 2, Timeout: time.Second}, pinger)
	a, b := gw(1, "10.0.0.1"), gw(2, "10.0.0.2")
	p.SetGateways([]*gateway.Gateway{a, b})
	pinger.setDown("10.0.0.2", true)
	ctx := context.Background()

	p.ProbeOnce(ctx)
	assert.Equal(t, gateway.StateUnknown, a.State())
	assert.Equal(t, gateway.StateUnknown, b.State())

	p.ProbeOnce(ctx)
	assert.Equal(t, gateway.StateUp, a.State())
	assert.Equal(t, gateway.StateDown, b.State())

	pinger.setDown("10.0.0.2", false)
	p.ProbeOnce(ctx)
	assert.Equal(t, gateway.StateDown, b.State(), "one success is below the up threshold")
	p.ProbeOnce(ctx)
	assert.Equal(t, gateway.StateUp, b.State())
}

func TestSharedAddressProbedOnce(t *testing.T) {
	pinger := newFakePinger()
	p := New(Config{DownThreshold: 1}, pinger)
	a, alias := gw(1, "10.0.0.1"), gw(2, "10.0.0.1")
	p.SetGateways([]*gateway.Gateway{a, alias})
	pinger.setDown("10.0.0.1", true)

	p.ProbeOnce(context.Background())
	assert.Equal(t, 1, pinger.calls["10.0.0.1"])
	assert.True(t, a.IsDown())
	assert.True(t, alias.IsDown())

	st := p.Status()
	require.Len(t, st, 1)
	assert.Equal(t, []int{1, 2}, st[0].GatewayIDs)
	assert.Equal(t, "down", st[0].State)
	assert.Equal(t, "timeout", st[0].LastError)
}

func TestSetGatewaysKeepsCounters(t *testing.T) {
	pinger := newFakePinger()
	p := New(Config{DownThreshold: 2}, pinger)
	pinger.setDown("10.0.0.1", true)

	p.SetGateways([]*gateway.Gateway{gw(1, "10.0.0.1"), gw(2, "10.0.0.2")})
	p.ProbeOnce(context.Background())

	// reload: same address under a new gateway object, one address dropped
	fresh := gw(7, "10.0.0.1")
	p.SetGateways([]*gateway.Gateway{fresh})
	p.ProbeOnce(context.Background())
	assert.True(t, fresh.IsDown(), "failure count carried across reload")

	st := p.Status()
	require.Len(t, st, 1)
	assert.Equal(t, []int{7}, st[0].GatewayIDs)
}

func TestConcurrencyBound(t *testing.T) {
	pinger := newFakePinger()
	pinger.delay = 10 * time.Millisecond
	p := New(Config{Concurrency: 2}, pinger)

	var gws []*gateway.Gateway
	for i := 1; i <= 8; i++ {
		gws = append(gws, gw(i, "10.0.1."+string(rune('0'+i))))
	}
	p.SetGateways(gws)
	p.ProbeOnce(context.Background())

	assert.LessOrEqual(t, pinger.peak.Load(), int32(2))
	for _, g := range gws {
		assert.Equal(t, gateway.StateUp, g.State())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pinger := newFakePinger()
	p := New(Config{Interval: 5 * time.Millisecond}, pinger)
	a := gw(1, "10.0.0.1")
	p.SetGateways([]*gateway.Gateway{a})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return a.State() == gateway.StateUp }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}

func TestBuildOPTIONS(t *testing.T) {
	p := NewSIPPinger(nil, "192.0.2.1", 5060)
	req, err := p.buildOPTIONS(gateway.Address{Host: "10.0.0.1", Port: 5080, Transport: gateway.TransportTCP})
	require.NoError(t, err)
	assert.Equal(t, "OPTIONS", string(req.Method))
	assert.Equal(t, "10.0.0.1", req.Recipient.Host)
	assert.Equal(t, 5080, req.Recipient.Port)
	require.NotNil(t, req.From())
	assert.Equal(t, "drouter", req.From().Address.User)
	require.NotNil(t, req.CallID())
}
