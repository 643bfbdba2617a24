// Package state implements ProxyState, the process-wide coarse health
// record. It is reported by the status endpoint; no restart or exit action
// is taken from it.
package state

import "sync"

// UpstreamState is the health of the V2 upstream link.
type UpstreamState int

const (
	UpstreamUp UpstreamState = iota
	UpstreamDown
)

// DownstreamState is the health of the V1 accept side.
type DownstreamState int

const (
	DownstreamHealthy DownstreamState = iota
	DownstreamFaulty
)

// Snapshot is a point-in-time, immutable view of ProxyState.
type Snapshot struct {
	Upstream      UpstreamState
	Downstream    DownstreamState
	Inconsistency bool
	Code          uint32
}

// ProxyState holds the three independent health flags described in the
// component design: upstream link state, downstream accept-side state, and
// a supervisor-invariant inconsistency flag. Updates are fire-and-forget;
// readers poll a snapshot rather than subscribing.
type ProxyState struct {
	mu            sync.Mutex
	upstream      UpstreamState
	downstream    DownstreamState
	inconsistency bool
	code          uint32
}

// New constructs a ProxyState in the healthy/up starting condition.
func New() *ProxyState {
	return &ProxyState{upstream: UpstreamUp, downstream: DownstreamHealthy}
}

// SetUpstream records the current upstream link health.
func (p *ProxyState) SetUpstream(s UpstreamState) {
	p.mu.Lock()
	p.upstream = s
	p.mu.Unlock()
}

// SetDownstream records the current downstream accept-side health.
func (p *ProxyState) SetDownstream(s DownstreamState) {
	p.mu.Lock()
	p.downstream = s
	p.mu.Unlock()
}

// MarkInconsistent raises the fatal-process inconsistency flag with a code
// identifying the violated invariant (e.g. a failed group abort).
func (p *ProxyState) MarkInconsistent(code uint32) {
	p.mu.Lock()
	p.inconsistency = true
	p.code = code
	p.mu.Unlock()
}

// Snapshot returns the current state under lock.
func (p *ProxyState) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Upstream:      p.upstream,
		Downstream:    p.downstream,
		Inconsistency: p.inconsistency,
		Code:          p.code,
	}
}
