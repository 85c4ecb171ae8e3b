package pool

import (
	"context"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Evicted     int
	ProbeFailed int
	Opened      int
}

// StartHealthSweep runs Sweep every interval until ctx is done or the pool
// is closed. A non-positive interval uses the configured one.
func (p *Pool) StartHealthSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = p.cfg.HealthCheckInterval
	}

	p.sweepWG.Add(1)
	go func() {
		defer p.sweepWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				res := p.Sweep(ctx)
				if res.Evicted > 0 || res.ProbeFailed > 0 || res.Opened > 0 {
					p.logger.Debug("pool sweep completed",
						observability.Int("evicted", res.Evicted),
						observability.Int("probeFailed", res.ProbeFailed),
						observability.Int("opened", res.Opened))
				}
			}
		}
	}()
}

// Sweep evicts expired idle connections, probes idle connections that
// have gone stale, trims the idle set down to MaxConnections and refills
// it up to MinConnections.
func (p *Pool) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return res
	}
	var keep, stale, evict []*Connection
	for _, c := range p.idle {
		switch {
		case c.Health() == Failed || p.expired(c, now):
			evict = append(evict, c)
		case c.Health() == Suspect || now.Sub(c.lastActivity()) >= p.cfg.HealthCheckFreshness:
			stale = append(stale, c)
		default:
			keep = append(keep, c)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, c := range evict {
		p.closeConn(c, reasonExpired)
		res.Evicted++
	}

	var healthy []*Connection
	for _, c := range stale {
		if err := p.probe(ctx, c); err != nil {
			res.ProbeFailed++
			continue
		}
		healthy = append(healthy, c)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range healthy {
			p.closeConn(c, reasonShutdown)
		}
		return res
	}
	// Probed connections go below the ones never taken out, so the
	// warmest connection stays on top.
	p.idle = append(healthy, p.idle...)
	var overflow []*Connection
	for p.open.Load()-int64(len(overflow)) > int64(p.cfg.MaxConnections) && len(p.idle) > 0 {
		overflow = append(overflow, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, c := range overflow {
		p.closeConn(c, reasonOverflow)
		res.Evicted++
	}

	before := p.created.Load()
	if err := p.Warm(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("failed to refill connection pool", observability.Error(err))
	}
	res.Opened = int(p.created.Load() - before)

	p.updateGauges()
	return res
}
