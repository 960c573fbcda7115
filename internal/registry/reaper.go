package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
)

const (
	DefaultReapInterval = 300 * time.Second
	DefaultStaleAfter   = 300 * time.Second
)

type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultReapInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Reaper periodically removes peers whose last-seen time is older than
// StaleAfter.
type Reaper struct {
	reg *Registry
	cfg ReaperConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(reg *Registry, cfg ReaperConfig) *Reaper {
	return &Reaper{reg: reg, cfg: cfg.withDefaults()}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is
// called. Calling Start on a running Reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Sweep runs one pass and returns the ids of the peers it removed.
func (r *Reaper) Sweep() []string {
	r.reg.metrics.Inc(metrics.ReaperSweeps)

	var reaped []string
	for _, id := range r.reg.StalePeers(r.cfg.StaleAfter) {
		if r.reapOne(id) {
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		st := r.reg.Stats()
		r.cfg.Logger.Info("reaped stale peers", "count", len(reaped), "peers", reaped, "remaining_peers", st.Peers, "rooms", st.Rooms)
	}
	return reaped
}

func (r *Reaper) reapOne(id string) (reaped bool) {
	defer func() {
		if v := recover(); v != nil {
			r.reg.metrics.Inc(metrics.ReaperPanics)
			r.cfg.Logger.Error("reap peer failed", "peer_id", id, "panic", v)
			reaped = false
		}
	}()
	return r.reg.ReapIfStale(id, r.cfg.StaleAfter)
}
