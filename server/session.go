package server

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/inference"
	"github.com/nvr-ai/go-segment/metrics"
	"github.com/nvr-ai/go-segment/models"
	"github.com/nvr-ai/go-segment/pipeline"
	"github.com/nvr-ai/go-segment/protocol"
	"github.com/nvr-ai/go-segment/viz"
)

// State is the session lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

// controlSlack is queue headroom for control messages beyond the
// in-flight frame cap.
const controlSlack = 16

// Session owns one client connection: its engine, renderer, pipeline and
// visualization settings. All mutation happens on the session's own
// worker goroutine; nothing here is shared across sessions except the
// model pool.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    *config.Config
	pool   *models.Pool
	conn   *safeConn

	engine   *inference.Engine
	renderer *viz.Renderer
	pipe     *pipeline.FramePipeline
	labels   []string

	vizMode     viz.Mode
	opacity     float64
	classFilter []int

	state      atomic.Int32
	queue      chan *protocol.Envelope
	workerDone chan struct{}
}

func newSession(id string, ws wsConn, cfg *config.Config, pool *models.Pool, logger *zap.Logger) *Session {
	s := &Session{
		id:         id,
		logger:     logger.With(zap.String("session_id", id)),
		cfg:        cfg,
		pool:       pool,
		conn:       newSafeConn(ws, cfg.WriteTimeout),
		engine:     inference.NewEngine(pool, cfg.WarmupIterations),
		pipe:       pipeline.New(cfg.MaxInFlight, cfg.MinFrameInterval),
		vizMode:    viz.ModeFilled,
		opacity:    0.6,
		queue:      make(chan *protocol.Envelope, cfg.MaxInFlight+controlSlack),
		workerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// serve runs the session to completion: initialize, then read until the
// peer goes away, then drain in-flight work and release everything.
func (s *Session) serve() {
	if err := s.init(); err != nil {
		// Failure before READY: close without a client-visible error; the
		// connection may already be half-open.
		s.logger.Warn("session initialization failed", zap.Error(err))
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		return
	}

	go s.worker()
	s.readLoop()

	s.state.Store(int32(StateClosing))
	close(s.queue)
	<-s.workerDone

	s.state.Store(int32(StateClosed))
	s.conn.Close()
	s.engine = nil
	s.renderer = nil
	s.logger.Info("session closed",
		zap.Int64("frames", s.pipe.Admitted()),
		zap.Int64("dropped", s.pipe.Dropped()),
	)
}

// init takes the session from CONNECTING through INITIALIZING to READY:
// select the default mode, warm it up (a no-op on every session after the
// first for that mode) and acknowledge with a connected envelope.
func (s *Session) init() error {
	s.state.Store(int32(StateInitializing))

	mode, err := models.ParseMode(s.cfg.DefaultMode)
	if err != nil {
		return err
	}
	if err := s.engine.SetMode(mode); err != nil {
		return err
	}
	if err := s.engine.WarmUp(false); err != nil {
		return err
	}

	profile := s.engine.Profile()
	s.labels = classes.Labels(profile.Vocabulary)
	s.renderer = viz.NewRenderer(profile.Vocabulary)

	infos := make([]models.Info, 0, len(models.Modes()))
	for _, m := range models.Modes() {
		info, err := models.ModelInfo(m)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	s.state.Store(int32(StateReady))
	if !s.conn.TrySend(protocol.Connected{
		Type:            protocol.TypeConnected,
		Status:          "ready",
		AvailableModels: infos,
		ClassLabels:     s.labels,
		CurrentModel:    string(mode),
	}) {
		return errors.New("peer went away before connected ack")
	}
	return nil
}

// readLoop pulls inbound envelopes and either admits them to the worker
// queue or drops them. Frames pass the pipeline's admission gate here so
// overload never piles up behind the model.
func (s *Session) readLoop() {
	// A session that goes silent right after READY is torn down.
	deadline := time.Now().Add(s.cfg.InitialTimeout)
	if err := s.conn.ws.SetReadDeadline(deadline); err != nil {
		return
	}
	first := true

	for {
		_, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if first {
			first = false
			if err := s.conn.ws.SetReadDeadline(time.Time{}); err != nil {
				return
			}
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeFrame:
			if !s.pipe.Admit(time.Now()) {
				metrics.FramesDropped.Inc()
				continue
			}
			s.enqueue(env)
		case protocol.TypeChangeMode, protocol.TypeUpdateViz, protocol.TypeGetStats:
			s.enqueue(env)
		default:
			s.logger.Debug("ignoring unknown message type", zap.String("type", env.Type))
		}
	}
}

// enqueue hands an envelope to the worker. Frames are bounded by the
// admission gate; a control-message flood past the slack is dropped
// rather than stalling the read loop.
func (s *Session) enqueue(env *protocol.Envelope) {
	select {
	case s.queue <- env:
	default:
		if env.Type == protocol.TypeFrame {
			s.pipe.Done()
		}
		s.logger.Warn("dispatch queue full, dropping message", zap.String("type", env.Type))
	}
}

// worker processes envelopes strictly in arrival order, which is what
// makes replies FIFO per session.
func (s *Session) worker() {
	defer close(s.workerDone)
	for env := range s.queue {
		switch env.Type {
		case protocol.TypeFrame:
			s.handleFrame(env)
		case protocol.TypeChangeMode:
			s.handleModeChange(env)
		case protocol.TypeUpdateViz:
			s.handleVizUpdate(env)
		case protocol.TypeGetStats:
			s.handleStats()
		}
	}
}

// sendError reports a recoverable failure for one request. If the error
// envelope itself cannot be sent the failure is swallowed: a dead peer is
// a close in progress, not a new error.
func (s *Session) sendError(kind protocol.ErrorKind, err error) {
	s.conn.TrySend(protocol.NewError(kind, err.Error()))
}

func (s *Session) handleFrame(env *protocol.Envelope) {
	defer s.pipe.Done()

	raw, err := protocol.DecodeFramePayload(env.Data)
	if err != nil {
		s.sendError(protocol.ErrMalformedFrame, err)
		return
	}
	frame, err := images.Decode(raw)
	if err != nil {
		s.sendError(protocol.ErrMalformedFrame, err)
		return
	}
	frame.Timestamp = env.Timestamp
	frame = images.ClampToMax(frame, s.cfg.InboundMaxWidth, s.cfg.InboundMaxHeight)

	mask, meta, err := s.engine.Predict(frame)
	if err != nil {
		if inference.IsOutOfMemory(err) {
			s.sendError(protocol.ErrOutOfMemory, err)
		} else {
			s.sendError(protocol.ErrInferenceFailed, err)
		}
		return
	}
	metrics.InferenceSeconds.WithLabelValues(string(meta.Mode)).
		Observe(meta.InferenceTimeMS / 1000)

	rendered, err := s.renderer.Render(frame, mask, s.vizMode, s.opacity, s.classFilter)
	if err != nil {
		s.sendError(protocol.ErrInferenceFailed, err)
		return
	}
	rendered = images.ClampToMax(rendered, s.cfg.ReplyMaxWidth, s.cfg.ReplyMaxHeight)

	jpeg, err := images.Encode(rendered, s.cfg.ReplyJPEGQuality)
	if err != nil {
		s.sendError(protocol.ErrEncodeFailed, err)
		return
	}

	detected := inference.DetectedClasses(mask)
	names := make([]string, 0, len(detected))
	for _, c := range detected {
		if c < len(s.labels) {
			names = append(names, s.labels[c])
		}
	}

	s.conn.TrySend(protocol.Segmentation{
		Type:      protocol.TypeSegmentation,
		Timestamp: env.Timestamp,
		Data:      protocol.EncodeFramePayload(jpeg),
		Metadata: protocol.SegmentationMetadata{
			InferenceTimeMS: meta.InferenceTimeMS,
			TotalTimeMS:     meta.TotalTimeMS,
			FPS:             meta.FPS,
			AvgInferenceMS:  meta.AvgInferenceMS,
			ModelMode:       string(meta.Mode),
			DetectedClasses: names,
		},
	})
	metrics.FramesProcessed.Inc()
}

// handleModeChange switches models. Changing to the active mode is a
// no-op that still gets a mode_changed confirmation.
func (s *Session) handleModeChange(env *protocol.Envelope) {
	mode, err := models.ParseMode(env.ModelMode)
	if err != nil {
		s.sendError(protocol.ErrModeChangeFailed, err)
		return
	}
	if err := s.engine.SetMode(mode); err != nil {
		s.sendError(protocol.ErrModeChangeFailed, err)
		return
	}
	if err := s.engine.WarmUp(false); err != nil {
		s.sendError(protocol.ErrModeChangeFailed, err)
		return
	}

	profile := s.engine.Profile()
	s.labels = classes.Labels(profile.Vocabulary)
	s.renderer = viz.NewRenderer(profile.Vocabulary)

	s.conn.TrySend(protocol.ModeChanged{
		Type:        protocol.TypeModeChanged,
		ModelMode:   string(mode),
		ClassLabels: s.labels,
	})
}

// handleVizUpdate applies any subset of the visualization settings.
// Opacity is clamped rather than rejected; out-of-range filter entries
// are dropped silently. Applying the same settings twice is a no-op.
func (s *Session) handleVizUpdate(env *protocol.Envelope) {
	applied := map[string]interface{}{}
	settings := env.Settings
	if settings == nil {
		settings = &protocol.VizSettings{}
	}

	if settings.VisualizationMode != nil {
		mode, err := viz.ParseMode(*settings.VisualizationMode)
		if err != nil {
			s.sendError(protocol.ErrVizUpdateFailed, err)
			return
		}
		s.vizMode = mode
		applied["visualization_mode"] = string(mode)
	}

	if settings.OverlayOpacity != nil {
		opacity := *settings.OverlayOpacity
		if opacity < 0 {
			opacity = 0
		} else if opacity > 1 {
			opacity = 1
		}
		s.opacity = opacity
		applied["overlay_opacity"] = opacity
	}

	if settings.HasClassFilter() {
		filter, err := settings.ClassFilterValue()
		if err != nil {
			s.sendError(protocol.ErrVizUpdateFailed, err)
			return
		}
		if filter == nil {
			s.classFilter = nil
			applied["class_filter"] = nil
		} else {
			kept := make([]int, 0, len(filter))
			numClasses := s.renderer.NumClasses()
			for _, c := range filter {
				if c >= 0 && c < numClasses {
					kept = append(kept, c)
				}
			}
			s.classFilter = kept
			applied["class_filter"] = kept
		}
	}

	s.conn.TrySend(protocol.VizUpdated{
		Type:     protocol.TypeVizUpdated,
		Settings: applied,
	})
}

func (s *Session) handleStats() {
	st := s.engine.Stats()
	s.conn.TrySend(protocol.StatsReply{
		Type:           protocol.TypeStats,
		FPS:            st.AvgFPS,
		AvgInferenceMS: st.AvgInferenceMS,
		MinInferenceMS: st.MinInferenceMS,
		MaxInferenceMS: st.MaxInferenceMS,
		FramesInFlight: s.pipe.InFlight(),
		FramesDropped:  s.pipe.Dropped(),
	})
}
