package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/models"
)

// stubModel answers any input shape with two-class logits where class 1
// wins everywhere. delay simulates a slow model.
type stubModel struct {
	delay time.Duration
}

func (m *stubModel) Forward(input []float32, shape []int64) ([]models.Output, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	h, w := int(shape[2]), int(shape[3])
	data := make([]float32, 2*h*w)
	for i := h * w; i < 2*h*w; i++ {
		data[i] = 1
	}
	return []models.Output{{Data: data, Shape: []int64{1, 2, int64(h), int64(w)}}}, nil
}

func (m *stubModel) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	// No rate limiting in tests unless a test opts back in.
	cfg.MinFrameInterval = 0
	return cfg
}

func startSession(t *testing.T, cfg *config.Config, model models.Model) (*Session, *fakeWS, chan struct{}) {
	t.Helper()
	if model == nil {
		model = &stubModel{}
	}
	pool := models.NewPool(func(models.Profile) (models.Model, error) {
		return model, nil
	}, zap.NewNop())

	ws := newFakeWS()
	sess := newSession("test-session", ws, cfg, pool, zap.NewNop())
	done := make(chan struct{})
	go func() {
		sess.serve()
		close(done)
	}()
	return sess, ws, done
}

func waitSent(t *testing.T, ws *fakeWS, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ws.sentCount() >= n {
			return ws.sentMessages()
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound messages, have %d", n, ws.sentCount())
	return nil
}

func decodeMsg(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func framePayload(t *testing.T, ts int64) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 120, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	payload := base64.StdEncoding.EncodeToString(buf.Bytes())
	return []byte(fmt.Sprintf(`{"type":"frame","data":%q,"timestamp":%d}`, payload, ts))
}

func TestSessionSendsConnected(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)

	msgs := waitSent(t, ws, 1)
	connected := decodeMsg(t, msgs[0])
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "ready", connected["status"])
	assert.Equal(t, "balanced", connected["current_model"])
	assert.Len(t, connected["class_labels"], 21)
	assert.Len(t, connected["available_models"], 4)
	assert.Equal(t, StateReady, sess.State())

	close(ws.inbound)
	<-done
	assert.Equal(t, StateClosed, sess.State())
}

// TestUnknownModeLeavesSessionReady: a change_mode to a mode outside the
// closed set answers MODE_CHANGE_FAILED and keeps serving.
func TestUnknownModeLeavesSessionReady(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"change_mode","model_mode":"turbo"}`)
	msgs := waitSent(t, ws, 2)
	errMsg := decodeMsg(t, msgs[1])
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "MODE_CHANGE_FAILED", errMsg["code"])
	assert.Equal(t, true, errMsg["recoverable"])

	// Still dispatching: stats answer arrives and the mode is unchanged.
	ws.inbound <- []byte(`{"type":"get_stats"}`)
	msgs = waitSent(t, ws, 3)
	assert.Equal(t, "stats", decodeMsg(t, msgs[2])["type"])
	assert.Equal(t, models.ModeBalanced, sess.engine.Mode())

	close(ws.inbound)
	<-done
}

func TestModeChangeConfirmedEvenWhenNoop(t *testing.T) {
	_, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"change_mode","model_mode":"balanced"}`)
	msgs := waitSent(t, ws, 2)
	reply := decodeMsg(t, msgs[1])
	assert.Equal(t, "mode_changed", reply["type"])
	assert.Equal(t, "balanced", reply["model_mode"])
	assert.Len(t, reply["class_labels"], 21)

	close(ws.inbound)
	<-done
}

func TestModeChangeSwitchesVocabulary(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"change_mode","model_mode":"accurate"}`)
	msgs := waitSent(t, ws, 2)
	reply := decodeMsg(t, msgs[1])
	assert.Equal(t, "mode_changed", reply["type"])
	assert.Len(t, reply["class_labels"], 150)
	assert.Equal(t, models.ModeAccurate, sess.engine.Mode())

	close(ws.inbound)
	<-done
}

// TestVizUpdateIdempotent: applying the same settings twice leaves the
// session exactly where one application left it.
func TestVizUpdateIdempotent(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	update := []byte(`{"type":"update_viz","settings":{"visualization_mode":"contour","overlay_opacity":0.8,"class_filter":[1,2,99]}}`)
	ws.inbound <- update
	waitSent(t, ws, 2)
	ws.inbound <- update
	msgs := waitSent(t, ws, 3)

	first := decodeMsg(t, msgs[1])
	second := decodeMsg(t, msgs[2])
	assert.Equal(t, first["settings"], second["settings"])

	close(ws.inbound)
	<-done
	assert.Equal(t, "contour", string(sess.vizMode))
	assert.InDelta(t, 0.8, sess.opacity, 1e-9)
	assert.Equal(t, []int{1, 2}, sess.classFilter, "out-of-range entry 99 dropped")
}

func TestVizUpdateClampsOpacity(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"update_viz","settings":{"overlay_opacity":1.7}}`)
	waitSent(t, ws, 2)
	ws.inbound <- []byte(`{"type":"update_viz","settings":{"overlay_opacity":-0.4}}`)
	waitSent(t, ws, 3)

	close(ws.inbound)
	<-done
	assert.InDelta(t, 0, sess.opacity, 1e-9, "final clamp lands at 0")
}

func TestVizUpdateNullFilterClears(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"update_viz","settings":{"class_filter":[3]}}`)
	waitSent(t, ws, 2)
	ws.inbound <- []byte(`{"type":"update_viz","settings":{"class_filter":null}}`)
	waitSent(t, ws, 3)

	close(ws.inbound)
	<-done
	assert.Nil(t, sess.classFilter)
}

// TestUnknownTypeIgnored: a message outside the known set changes nothing
// and produces no reply.
func TestUnknownTypeIgnored(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"telemetry","data":"x"}`)
	ws.inbound <- []byte(`{"type":"get_stats"}`)
	msgs := waitSent(t, ws, 2)

	assert.Equal(t, "stats", decodeMsg(t, msgs[1])["type"], "unknown type produced no reply")
	assert.Equal(t, StateReady, sess.State())

	close(ws.inbound)
	<-done
}

func TestMalformedJSONIgnored(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{not json`)
	ws.inbound <- []byte(`{"type":"get_stats"}`)
	msgs := waitSent(t, ws, 2)
	assert.Equal(t, "stats", decodeMsg(t, msgs[1])["type"])
	assert.Equal(t, StateReady, sess.State())

	close(ws.inbound)
	<-done
}

func TestFrameRepliesInOrder(t *testing.T) {
	_, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- framePayload(t, 1)
	ws.inbound <- framePayload(t, 2)

	msgs := waitSent(t, ws, 3)
	first := decodeMsg(t, msgs[1])
	second := decodeMsg(t, msgs[2])
	require.Equal(t, "segmentation", first["type"])
	require.Equal(t, "segmentation", second["type"])
	assert.Equal(t, float64(1), first["timestamp"])
	assert.Equal(t, float64(2), second["timestamp"])

	meta := first["metadata"].(map[string]interface{})
	assert.Equal(t, "balanced", meta["model_mode"])
	assert.NotEmpty(t, first["data"])

	close(ws.inbound)
	<-done
}

// TestFrameThenModeChangeOrder: replies keep queue order, so the frame
// admitted before a mode change answers before mode_changed.
func TestFrameThenModeChangeOrder(t *testing.T) {
	_, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- framePayload(t, 10)
	ws.inbound <- []byte(`{"type":"change_mode","model_mode":"accurate"}`)
	ws.inbound <- framePayload(t, 11)

	msgs := waitSent(t, ws, 4)
	assert.Equal(t, "segmentation", decodeMsg(t, msgs[1])["type"])
	assert.Equal(t, "mode_changed", decodeMsg(t, msgs[2])["type"])
	last := decodeMsg(t, msgs[3])
	assert.Equal(t, "segmentation", last["type"])
	meta := last["metadata"].(map[string]interface{})
	assert.Equal(t, "accurate", meta["model_mode"])

	close(ws.inbound)
	<-done
}

func TestMalformedFramePayload(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), nil)
	waitSent(t, ws, 1)

	ws.inbound <- []byte(`{"type":"frame","data":"","timestamp":5}`)
	msgs := waitSent(t, ws, 2)
	errMsg := decodeMsg(t, msgs[1])
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "MALFORMED_FRAME", errMsg["code"])
	assert.Equal(t, StateReady, sess.State())

	// The in-flight slot was released.
	assert.Equal(t, int64(0), sess.pipe.InFlight())

	close(ws.inbound)
	<-done
}

// TestDisconnectDuringPredict: the peer vanishing mid-predict must end in
// a clean CLOSED state with no error envelope attempted anywhere.
func TestDisconnectDuringPredict(t *testing.T) {
	sess, ws, done := startSession(t, testConfig(), &stubModel{delay: 80 * time.Millisecond})
	waitSent(t, ws, 1)

	ws.inbound <- framePayload(t, 99)
	time.Sleep(20 * time.Millisecond)
	ws.breakWrites()
	close(ws.inbound)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, int64(0), sess.pipe.InFlight(), "in-flight frame drained on close")
}

// TestBackpressureDropsFrames: with a slow model and the default cap of
// 2, a burst of frames mostly drops and admitted plus dropped accounts
// for the whole burst.
func TestBackpressureDropsFrames(t *testing.T) {
	cfg := testConfig()
	sess, ws, done := startSession(t, cfg, &stubModel{delay: 50 * time.Millisecond})
	waitSent(t, ws, 1)

	const burst = 30
	for i := 0; i < burst; i++ {
		ws.inbound <- framePayload(t, int64(i))
		time.Sleep(2 * time.Millisecond)
	}
	close(ws.inbound)
	<-done

	admitted := sess.pipe.Admitted()
	dropped := sess.pipe.Dropped()
	assert.Equal(t, int64(burst), admitted+dropped)
	assert.Positive(t, dropped, "slow model must shed load")

	// Every admitted frame produced exactly one segmentation reply.
	var segs int64
	for _, raw := range ws.sentMessages() {
		if decodeMsg(t, raw)["type"] == "segmentation" {
			segs++
		}
	}
	assert.Equal(t, admitted, segs)
}
