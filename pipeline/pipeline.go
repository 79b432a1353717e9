// Package pipeline bounds the number of frames a session may have in
// flight and rate-limits admission. Frames that do not fit are dropped
// silently; drops are normal flow control, not errors.
package pipeline

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// FramePipeline is the per-session admission gate. There is no queue
// behind it deeper than the in-flight cap: extra depth would only add
// steady-state latency while the model stays the bottleneck.
type FramePipeline struct {
	maxInFlight int64
	minInterval time.Duration

	inFlight atomic.Int64
	dropped  atomic.Int64
	admitted atomic.Int64

	mu         sync.Mutex
	lastAccept time.Time
}

// New creates a pipeline with the given in-flight cap and minimum
// inter-frame interval.
func New(maxInFlight int, minInterval time.Duration) *FramePipeline {
	return &FramePipeline{
		maxInFlight: int64(maxInFlight),
		minInterval: minInterval,
	}
}

// Admit decides whether a frame arriving at now may enter the pipeline.
// A frame is dropped when the cap is reached or the frame arrived too
// soon after the last accepted one. Admitted frames must be balanced by
// exactly one Done call once their reply send has been attempted.
func (p *FramePipeline) Admit(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight.Load() >= p.maxInFlight {
		p.dropped.Inc()
		return false
	}
	if !p.lastAccept.IsZero() && now.Sub(p.lastAccept) < p.minInterval {
		p.dropped.Inc()
		return false
	}

	p.lastAccept = now
	p.inFlight.Inc()
	p.admitted.Inc()
	return true
}

// Done releases one in-flight slot. The counter never goes below zero.
func (p *FramePipeline) Done() {
	for {
		n := p.inFlight.Load()
		if n <= 0 {
			return
		}
		if p.inFlight.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// InFlight returns the number of admitted frames without a reply yet.
func (p *FramePipeline) InFlight() int64 {
	return p.inFlight.Load()
}

// Dropped returns the number of frames dropped since the session opened.
func (p *FramePipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Admitted returns the number of frames admitted since the session opened.
func (p *FramePipeline) Admitted() int64 {
	return p.admitted.Load()
}
