package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	probeInterval          = 30 * time.Second
	maxConsecutiveFailures = 5
	probeTimeout           = 10 * time.Second
)

// Probe pings the store on a fixed cadence and flips unhealthy after five
// consecutive failures. One success flips it back.
type Probe struct {
	check       func(ctx context.Context) error
	healthy     atomic.Bool
	consecutive atomic.Int32
	log         zerolog.Logger

	mu          sync.Mutex
	lastSuccess time.Time
	lastFailure time.Time
}

func NewProbe(check func(ctx context.Context) error, log zerolog.Logger) *Probe {
	p := &Probe{check: check, log: log}
	p.healthy.Store(true)
	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()
	return p
}

func (p *Probe) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Check runs one probe immediately and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.check(probeCtx); err != nil {
		n := p.consecutive.Add(1)
		p.mu.Lock()
		p.lastFailure = time.Now()
		p.mu.Unlock()
		if n >= maxConsecutiveFailures && p.healthy.CompareAndSwap(true, false) {
			p.log.Error().Int32("consecutive_failures", n).Msg("store marked unhealthy")
		}
		return false
	}
	p.consecutive.Store(0)
	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()
	if p.healthy.CompareAndSwap(false, true) {
		p.log.Info().Msg("store recovered")
	}
	return true
}

func (p *Probe) Healthy() bool {
	return p.healthy.Load()
}

// Snapshot feeds the health endpoint.
func (p *Probe) Snapshot() map[string]any {
	p.mu.Lock()
	lastSuccess, lastFailure := p.lastSuccess, p.lastFailure
	p.mu.Unlock()
	out := map[string]any{
		"healthy":             p.Healthy(),
		"consecutiveFailures": p.consecutive.Load(),
		"lastSuccessTime":     lastSuccess.Format(time.RFC3339),
	}
	if !lastFailure.IsZero() {
		out["lastFailureTime"] = lastFailure.Format(time.RFC3339)
	}
	return out
}
