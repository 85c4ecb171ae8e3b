package upstream

import (
	"sync/atomic"

	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

// Balancer picks targets in round-robin order.
type Balancer struct {
	targets   []transport.Target
	available func(targetID string) bool
	current   atomic.Uint64
}

// NewBalancer creates a balancer over targets. available reports whether a
// target may receive traffic; nil treats every target as available.
func NewBalancer(targets []transport.Target, available func(targetID string) bool) *Balancer {
	if available == nil {
		available = func(string) bool { return true }
	}
	return &Balancer{
		targets:   append([]transport.Target(nil), targets...),
		available: available,
	}
}

// Next returns the next available target not in exclude. The second result
// is false when every remaining target is excluded or unavailable.
func (b *Balancer) Next(exclude map[string]bool) (transport.Target, bool) {
	candidates := b.candidates(exclude)
	if len(candidates) == 0 {
		return transport.Target{}, false
	}

	idx := b.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], true
}

// Remaining reports how many targets are not in exclude, regardless of
// availability.
func (b *Balancer) Remaining(exclude map[string]bool) int {
	n := 0
	for _, t := range b.targets {
		if !exclude[t.ID] {
			n++
		}
	}
	return n
}

// Targets returns a copy of the targets.
func (b *Balancer) Targets() []transport.Target {
	return append([]transport.Target(nil), b.targets...)
}

func (b *Balancer) candidates(exclude map[string]bool) []transport.Target {
	out := make([]transport.Target, 0, len(b.targets))
	for _, t := range b.targets {
		if exclude[t.ID] || !b.available(t.ID) {
			continue
		}
		out = append(out, t)
	}
	return out
}
