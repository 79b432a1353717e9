package inference

import (
	"sync"
)

// ewmaAlpha is the smoothing factor of the rolling averages; the
// effective horizon is roughly the last 1/ewmaAlpha = 10 frames.
const ewmaAlpha = 0.1

// Stats is a snapshot of a session's rolling inference statistics.
type Stats struct {
	// AvgInferenceMS is the smoothed model-forward time.
	AvgInferenceMS float64
	// MinInferenceMS is the fastest forward observed since connect/reset.
	MinInferenceMS float64
	// MaxInferenceMS is the slowest forward observed since connect/reset.
	MaxInferenceMS float64
	// AvgFPS is the smoothed end-to-end throughput.
	AvgFPS float64
	// Frames is the number of frames predicted since connect/reset.
	Frames int64
}

// rollingStats keeps exponentially weighted moving averages of inference
// and total per-frame time. No unbounded history is retained.
type rollingStats struct {
	mu         sync.Mutex
	frames     int64
	avgInferMS float64
	avgTotalMS float64
	minInferMS float64
	maxInferMS float64
}

func newRollingStats() *rollingStats {
	return &rollingStats{}
}

// observe folds one frame's timings into the averages.
func (s *rollingStats) observe(inferMS, totalMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frames == 0 {
		s.avgInferMS = inferMS
		s.avgTotalMS = totalMS
		s.minInferMS = inferMS
		s.maxInferMS = inferMS
	} else {
		s.avgInferMS = ewmaAlpha*inferMS + (1-ewmaAlpha)*s.avgInferMS
		s.avgTotalMS = ewmaAlpha*totalMS + (1-ewmaAlpha)*s.avgTotalMS
		if inferMS < s.minInferMS {
			s.minInferMS = inferMS
		}
		if inferMS > s.maxInferMS {
			s.maxInferMS = inferMS
		}
	}
	s.frames++
}

func (s *rollingStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		AvgInferenceMS: s.avgInferMS,
		MinInferenceMS: s.minInferMS,
		MaxInferenceMS: s.maxInferMS,
		Frames:         s.frames,
	}
	if s.avgTotalMS > 0 {
		st.AvgFPS = 1000 / s.avgTotalMS
	}
	return st
}

func (s *rollingStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = 0
	s.avgInferMS = 0
	s.avgTotalMS = 0
	s.minInferMS = 0
	s.maxInferMS = 0
}
