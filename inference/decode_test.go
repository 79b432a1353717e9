package inference

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-segment/models"
)

func TestArgmaxDecoder(t *testing.T) {
	// 3 classes over a 2x2 grid; class 2 wins at pixel 0, class 1 at
	// pixel 3, class 0 elsewhere.
	logits := []float32{
		// class 0
		0.1, 0.9, 0.9, 0.1,
		// class 1
		0.2, 0.1, 0.2, 0.8,
		// class 2
		0.7, 0.3, 0.1, 0.3,
	}
	outs := []models.Output{{Data: logits, Shape: []int64{1, 3, 2, 2}}}

	m, err := argmaxDecoder{}.decode(outs, image.Pt(2, 2), 3)
	require.NoError(t, err)
	assert.Equal(t, []uint8{2, 0, 0, 1}, m.Idx)
}

func TestArgmaxDecoderRejectsBadShape(t *testing.T) {
	outs := []models.Output{{Data: []float32{1}, Shape: []int64{1, 1}}}
	_, err := argmaxDecoder{}.decode(outs, image.Pt(1, 1), 1)
	assert.Error(t, err)

	outs = []models.Output{{Data: []float32{1}, Shape: []int64{1, 2, 2, 2}}}
	_, err = argmaxDecoder{}.decode(outs, image.Pt(2, 2), 2)
	assert.Error(t, err, "data shorter than the declared shape")
}

// TestStridedDecoderUpsamples: logits at half resolution are bilinearly
// upsampled before the argmax, so the output covers the full input size.
func TestStridedDecoderUpsamples(t *testing.T) {
	// 2 classes on a 2x2 grid: left half class 1, right half class 0.
	logits := []float32{
		// class 0
		0.0, 1.0, 0.0, 1.0,
		// class 1
		1.0, 0.0, 1.0, 0.0,
	}
	outs := []models.Output{{Data: logits, Shape: []int64{1, 2, 2, 2}}}

	m, err := stridedDecoder{}.decode(outs, image.Pt(4, 4), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Width)
	assert.Equal(t, 4, m.Height)
	assert.Equal(t, uint8(1), m.At(0, 0))
	assert.Equal(t, uint8(0), m.At(3, 0))
	assert.Equal(t, uint8(1), m.At(0, 3))
	assert.Equal(t, uint8(0), m.At(3, 3))
}

// queryOutputs builds a synthetic query head: q queries over c classes
// (plus the no-object sink) at mask resolution mh x mw.
func queryOutputs(q, c, mh, mw int, fill func(maskLogits, classLogits []float32)) []models.Output {
	maskLogits := make([]float32, q*mh*mw)
	classLogits := make([]float32, q*(c+1))
	fill(maskLogits, classLogits)
	return []models.Output{
		{Data: maskLogits, Shape: []int64{1, int64(q), int64(mh), int64(mw)}},
		{Data: classLogits, Shape: []int64{1, int64(q), int64(c + 1)}},
	}
}

func TestQueryDecoderAssignsDominantQuery(t *testing.T) {
	// Query 0 covers the left column with class 3; query 1 covers the
	// right column with class 7.
	outs := queryOutputs(2, 10, 2, 2, func(masks, cls []float32) {
		// query 0 mask: strong on x=0.
		masks[0], masks[1] = 8, -8
		masks[2], masks[3] = 8, -8
		// query 1 mask: strong on x=1.
		masks[4], masks[5] = -8, 8
		masks[6], masks[7] = -8, 8
		// query 0 class logits: class 3 dominant.
		cls[3] = 10
		// query 1 class logits: class 7 dominant.
		cls[11+7] = 10
	})

	m, err := queryDecoder{}.decode(outs, image.Pt(2, 2), 10)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), m.At(0, 0))
	assert.Equal(t, uint8(3), m.At(0, 1))
	assert.Equal(t, uint8(7), m.At(1, 0))
	assert.Equal(t, uint8(7), m.At(1, 1))
}

// TestQueryDecoderShape is the sota shape scenario: a 320x320 input with
// 100 queries over 150 classes yields a 320x320 integer map whose values
// all lie in [0, 150), even when every query's no-object score dominates.
func TestQueryDecoderShape(t *testing.T) {
	const (
		q  = 100
		c  = 150
		mh = 80
		mw = 80
	)
	outs := queryOutputs(q, c, mh, mw, func(masks, cls []float32) {
		for i := range masks {
			masks[i] = float32(i%7) - 3
		}
		// The no-object sink dominates every query; the decoder must
		// slice it away before the argmax rather than predict it.
		for qi := 0; qi < q; qi++ {
			cls[qi*(c+1)+c] = 20
			cls[qi*(c+1)+(qi%c)] = 1
		}
	})

	m, err := queryDecoder{}.decode(outs, image.Pt(320, 320), c)
	require.NoError(t, err)
	assert.Equal(t, 320, m.Width)
	assert.Equal(t, 320, m.Height)
	for i, v := range m.Idx {
		if int(v) >= c {
			t.Fatalf("pixel %d predicted class %d outside [0, %d)", i, v, c)
		}
	}
}

func TestQueryDecoderRejectsMismatchedQueries(t *testing.T) {
	outs := []models.Output{
		{Data: make([]float32, 2*4), Shape: []int64{1, 2, 2, 2}},
		{Data: make([]float32, 3*5), Shape: []int64{1, 3, 5}},
	}
	_, err := queryDecoder{}.decode(outs, image.Pt(2, 2), 4)
	assert.Error(t, err)
}

func TestBilinearResizeConstantPlane(t *testing.T) {
	src := []float32{5, 5, 5, 5}
	dst := make([]float32, 16)
	bilinearResize(src, 2, 2, dst, 4, 4)
	for _, v := range dst {
		assert.InDelta(t, 5, v, 1e-5)
	}
}
