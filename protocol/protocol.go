// Package protocol defines the JSON wire envelopes exchanged with
// browser clients and the error taxonomy carried on them.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Inbound message types.
const (
	TypeFrame      = "frame"
	TypeChangeMode = "change_mode"
	TypeUpdateViz  = "update_viz"
	TypeGetStats   = "get_stats"
)

// Outbound message types.
const (
	TypeConnected    = "connected"
	TypeSegmentation = "segmentation"
	TypeModeChanged  = "mode_changed"
	TypeVizUpdated   = "viz_updated"
	TypeStats        = "stats"
	TypeError        = "error"
)

// ErrorKind is the code field of an error envelope.
type ErrorKind string

const (
	ErrMalformedFrame   ErrorKind = "MALFORMED_FRAME"
	ErrInferenceFailed  ErrorKind = "INFERENCE_FAILED"
	ErrOutOfMemory      ErrorKind = "OUT_OF_MEMORY"
	ErrModeChangeFailed ErrorKind = "MODE_CHANGE_FAILED"
	ErrVizUpdateFailed  ErrorKind = "VIZ_UPDATE_FAILED"
	ErrStatsFailed      ErrorKind = "STATS_FAILED"
	ErrEncodeFailed     ErrorKind = "ENCODE_FAILED"
)

// VizSettings carries the update_viz payload. ClassFilter is raw so the
// handler can tell an absent key from an explicit null (null clears the
// filter, absent leaves it alone).
type VizSettings struct {
	VisualizationMode *string         `json:"visualization_mode,omitempty"`
	OverlayOpacity    *float64        `json:"overlay_opacity,omitempty"`
	ClassFilter       json.RawMessage `json:"class_filter,omitempty"`
}

// HasClassFilter reports whether the class_filter key was present.
func (s *VizSettings) HasClassFilter() bool {
	return len(s.ClassFilter) > 0
}

// ClassFilterValue parses class_filter: a nil slice means "all classes"
// (explicit null), otherwise the listed class indices.
func (s *VizSettings) ClassFilterValue() ([]int, error) {
	if !s.HasClassFilter() || bytes.Equal(bytes.TrimSpace(s.ClassFilter), []byte("null")) {
		return nil, nil
	}
	var filter []int
	if err := json.Unmarshal(s.ClassFilter, &filter); err != nil {
		return nil, errors.Wrap(err, "invalid class_filter")
	}
	return filter, nil
}

// Envelope is an inbound message. Every field except Type is specific to
// one message type.
type Envelope struct {
	Type      string       `json:"type"`
	Data      string       `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	ModelMode string       `json:"model_mode,omitempty"`
	Settings  *VizSettings `json:"settings,omitempty"`
}

// DecodeEnvelope parses one inbound text message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "malformed message")
	}
	if env.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &env, nil
}

// DecodeFramePayload turns a base64 frame payload into raw JPEG bytes. A
// data: URI prefix is tolerated and stripped.
func DecodeFramePayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, errors.New("empty frame payload")
	}
	if i := bytes.IndexByte([]byte(payload), ','); i >= 0 {
		payload = payload[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 frame payload")
	}
	if len(raw) == 0 {
		return nil, errors.New("frame payload decoded to zero bytes")
	}
	return raw, nil
}

// EncodeFramePayload base64-encodes reply image bytes.
func EncodeFramePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Connected is sent once a session reaches READY.
type Connected struct {
	Type            string      `json:"type"`
	Status          string      `json:"status"`
	AvailableModels interface{} `json:"available_models"`
	ClassLabels     []string    `json:"class_labels"`
	CurrentModel    string      `json:"current_model"`
}

// SegmentationMetadata rides on every segmentation reply.
type SegmentationMetadata struct {
	InferenceTimeMS float64  `json:"inference_time_ms"`
	TotalTimeMS     float64  `json:"total_time_ms"`
	FPS             float64  `json:"fps"`
	AvgInferenceMS  float64  `json:"avg_inference_ms"`
	ModelMode       string   `json:"model_mode"`
	DetectedClasses []string `json:"detected_classes"`
}

// Segmentation is the reply to an admitted frame.
type Segmentation struct {
	Type      string               `json:"type"`
	Timestamp int64                `json:"timestamp"`
	Data      string               `json:"data"`
	Metadata  SegmentationMetadata `json:"metadata"`
}

// ModeChanged confirms a change_mode request, including idempotent ones.
type ModeChanged struct {
	Type        string   `json:"type"`
	ModelMode   string   `json:"model_mode"`
	ClassLabels []string `json:"class_labels"`
}

// VizUpdated echoes the visualization settings that were applied.
type VizUpdated struct {
	Type     string                 `json:"type"`
	Settings map[string]interface{} `json:"settings"`
}

// StatsReply answers get_stats.
type StatsReply struct {
	Type           string  `json:"type"`
	FPS            float64 `json:"fps"`
	AvgInferenceMS float64 `json:"avg_inference_ms"`
	MinInferenceMS float64 `json:"min_inference_ms"`
	MaxInferenceMS float64 `json:"max_inference_ms"`
	FramesInFlight int64   `json:"frames_in_flight"`
	FramesDropped  int64   `json:"frames_dropped"`
}

// ErrorReply is the uniform error envelope. Every kind in the taxonomy is
// recoverable; unrecoverable failures tear the session down without a
// client-visible error.
type ErrorReply struct {
	Type        string    `json:"type"`
	Code        ErrorKind `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// NewError builds an error envelope.
func NewError(kind ErrorKind, message string) ErrorReply {
	return ErrorReply{
		Type:        TypeError,
		Code:        kind,
		Message:     message,
		Recoverable: true,
	}
}
