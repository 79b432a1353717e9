// Package inference runs frames through the model pool and decodes the
// network outputs into class maps.
package inference

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/models"
)

// Metadata describes one prediction, carried back to the client on the
// segmentation reply.
type Metadata struct {
	// InferenceTimeMS is the model forward time for this frame.
	InferenceTimeMS float64
	// TotalTimeMS is preprocess + forward + decode + postprocess.
	TotalTimeMS float64
	// FPS is the instantaneous throughput implied by TotalTimeMS.
	FPS float64
	// AvgInferenceMS is the session's smoothed forward time.
	AvgInferenceMS float64
	// Mode that produced the prediction.
	Mode models.Mode
}

// Engine is a per-session adapter over the shared model pool: it owns the
// session's current mode and rolling statistics, never the models.
type Engine struct {
	pool        *models.Pool
	warmupIters int

	mode    models.Mode
	profile models.Profile
	model   models.Model

	stats *rollingStats
}

// NewEngine creates an engine bound to the pool. No model is selected
// until SetMode.
func NewEngine(pool *models.Pool, warmupIters int) *Engine {
	return &Engine{
		pool:        pool,
		warmupIters: warmupIters,
		stats:       newRollingStats(),
	}
}

// Mode returns the active mode.
func (e *Engine) Mode() models.Mode {
	return e.mode
}

// Profile returns the active mode's static profile.
func (e *Engine) Profile() models.Profile {
	return e.profile
}

// SetMode switches the engine to a mode, obtaining the model from the
// pool (and triggering its one-time load if needed). Setting the mode the
// engine is already on leaves the current model untouched.
func (e *Engine) SetMode(mode models.Mode) error {
	if e.model != nil && mode == e.mode {
		return nil
	}

	profile, err := models.ProfileFor(mode)
	if err != nil {
		return err
	}
	model, err := e.pool.Get(mode)
	if err != nil {
		return err
	}

	e.mode = mode
	e.profile = profile
	e.model = model
	return nil
}

// WarmUp runs the model on synthetic inputs so the first real frame does
// not pay one-time initialization costs. The warmed-up set is memoized in
// the pool: every session after the first returns immediately unless
// force is set.
func (e *Engine) WarmUp(force bool) error {
	if e.model == nil {
		return errors.New("no mode selected")
	}

	if force {
		if err := e.runWarmUp(e.model); err != nil {
			return err
		}
		e.pool.MarkWarm(e.mode)
		return nil
	}
	return e.pool.WarmUp(e.mode, e.runWarmUp)
}

// runWarmUp performs the actual forward passes on a synthetic input.
func (e *Engine) runWarmUp(m models.Model) error {
	size := e.profile.InputSize
	input := make([]float32, 3*size.X*size.Y)
	for i := range input {
		input[i] = float32(i%255)/255.0 - 0.5
	}
	shape := []int64{1, 3, int64(size.Y), int64(size.X)}

	for i := 0; i < e.warmupIters; i++ {
		if _, err := m.Forward(input, shape); err != nil {
			return errors.Wrapf(err, "warm-up pass %d failed", i+1)
		}
	}
	return nil
}

// Predict runs one frame through the active model and returns the class
// map at the frame's own resolution.
//
// Arguments:
//   - f: The decoded frame.
//
// Returns:
//   - *images.ClassMap: Per-pixel class indices, same size as f.
//   - Metadata: Timing and mode information for the reply.
//   - error: IsOutOfMemory-classifiable resource exhaustion, or any
//     other model-side failure.
func (e *Engine) Predict(f *images.Frame) (*images.ClassMap, Metadata, error) {
	if e.model == nil {
		return nil, Metadata{}, errors.New("no mode selected")
	}

	start := time.Now()
	size := e.profile.InputSize

	input, err := images.Preprocess(f, size)
	if err != nil {
		return nil, Metadata{}, err
	}
	shape := []int64{1, 3, int64(size.Y), int64(size.X)}

	inferStart := time.Now()
	outs, err := e.model.Forward(input, shape)
	if err != nil {
		if IsOutOfMemory(err) {
			return nil, Metadata{}, errors.Wrap(errOutOfMemory, err.Error())
		}
		return nil, Metadata{}, err
	}
	inferMS := float64(time.Since(inferStart)) / float64(time.Millisecond)

	mask, err := decoderFor(e.profile.Head).decode(outs, size, e.profile.NumClasses())
	if err != nil {
		return nil, Metadata{}, err
	}

	mask, err = images.PostprocessMask(mask, f.Width, f.Height)
	if err != nil {
		return nil, Metadata{}, err
	}

	totalMS := float64(time.Since(start)) / float64(time.Millisecond)
	e.stats.observe(inferMS, totalMS)

	meta := Metadata{
		InferenceTimeMS: inferMS,
		TotalTimeMS:     totalMS,
		AvgInferenceMS:  e.stats.snapshot().AvgInferenceMS,
		Mode:            e.mode,
	}
	if totalMS > 0 {
		meta.FPS = 1000 / totalMS
	}
	return mask, meta, nil
}

// Stats returns the session's rolling statistics.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// ResetStats clears the rolling statistics.
func (e *Engine) ResetStats() {
	e.stats.reset()
}

// DetectedClasses returns the sorted distinct class indices present in a
// class map, excluding background (class 0).
func DetectedClasses(m *images.ClassMap) []int {
	seen := make(map[uint8]struct{})
	for _, c := range m.Idx {
		if c != 0 {
			seen[c] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, int(c))
	}
	sort.Ints(out)
	return out
}

// errOutOfMemory tags resource-exhaustion failures; they are retryable by
// switching to a lighter mode, unlike other inference failures.
var errOutOfMemory = errors.New("out of memory")

// IsOutOfMemory reports whether an inference error was caused by GPU or
// host memory exhaustion.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errOutOfMemory) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "cuda_error_out_of_memory") ||
		strings.Contains(msg, "failed to allocate") ||
		strings.Contains(msg, "bad_alloc")
}
