package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeFrame(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"frame","data":"aGVsbG8=","timestamp":1712345678901}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFrame, env.Type)
	assert.Equal(t, "aGVsbG8=", env.Data)
	assert.Equal(t, int64(1712345678901), env.Timestamp)
}

func TestDecodeEnvelopeChangeMode(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"change_mode","model_mode":"accurate"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeChangeMode, env.Type)
	assert.Equal(t, "accurate", env.ModelMode)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"data":"x"}`))
	assert.Error(t, err, "missing type is rejected")
}

func TestDecodeEnvelopeUnknownTypePasses(t *testing.T) {
	// Unknown types decode fine; ignoring them is the dispatcher's call.
	env, err := DecodeEnvelope([]byte(`{"type":"telemetry"}`))
	require.NoError(t, err)
	assert.Equal(t, "telemetry", env.Type)
}

func TestVizSettingsClassFilterStates(t *testing.T) {
	// Absent key: leave the filter alone.
	var s VizSettings
	require.NoError(t, json.Unmarshal([]byte(`{"overlay_opacity":0.5}`), &s))
	assert.False(t, s.HasClassFilter())

	// Explicit null: clear to "all classes".
	s = VizSettings{}
	require.NoError(t, json.Unmarshal([]byte(`{"class_filter":null}`), &s))
	require.True(t, s.HasClassFilter())
	filter, err := s.ClassFilterValue()
	require.NoError(t, err)
	assert.Nil(t, filter)

	// A list selects classes.
	s = VizSettings{}
	require.NoError(t, json.Unmarshal([]byte(`{"class_filter":[1,5,9]}`), &s))
	filter, err = s.ClassFilterValue()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 9}, filter)

	// Non-list garbage errors.
	s = VizSettings{}
	require.NoError(t, json.Unmarshal([]byte(`{"class_filter":"people"}`), &s))
	_, err = s.ClassFilterValue()
	assert.Error(t, err)
}

func TestDecodeFramePayload(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff, 0xe0}
	encoded := base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeFramePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// data: URI prefixes are tolerated and stripped.
	got, err = DecodeFramePayload("data:image/jpeg;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecodeFramePayloadRejectsEmpty(t *testing.T) {
	_, err := DecodeFramePayload("")
	assert.Error(t, err)

	_, err = DecodeFramePayload(base64.StdEncoding.EncodeToString(nil))
	assert.Error(t, err, "zero decoded bytes is malformed")

	_, err = DecodeFramePayload("!!not-base64!!")
	assert.Error(t, err)
}

func TestErrorReplyShape(t *testing.T) {
	reply := NewError(ErrModeChangeFailed, "unknown model mode: \"turbo\"")

	data, err := json.Marshal(reply)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "MODE_CHANGE_FAILED", decoded["code"])
	assert.Equal(t, true, decoded["recoverable"])
	assert.NotEmpty(t, decoded["message"])
}

func TestSegmentationWireShape(t *testing.T) {
	msg := Segmentation{
		Type:      TypeSegmentation,
		Timestamp: 7,
		Data:      "abc",
		Metadata: SegmentationMetadata{
			InferenceTimeMS: 12.5,
			FPS:             24,
			ModelMode:       "balanced",
			DetectedClasses: []string{"person", "dog"},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	meta := decoded["metadata"].(map[string]interface{})
	assert.Equal(t, "balanced", meta["model_mode"])
	assert.Equal(t, []interface{}{"person", "dog"}, meta["detected_classes"])
	assert.InDelta(t, 12.5, meta["inference_time_ms"], 1e-9)
}
