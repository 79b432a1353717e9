package inference

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-segment/images"
	"github.com/nvr-ai/go-segment/models"
)

// decoder turns a network's raw outputs into a class map at the model
// input resolution. One implementation per output head, selected by the
// mode's profile; a head value without its own case decodes as a plain
// argmax.
type decoder interface {
	decode(outs []models.Output, size image.Point, numClasses int) (*images.ClassMap, error)
}

func decoderFor(head models.Head) decoder {
	switch head {
	case models.HeadStrided:
		return stridedDecoder{}
	case models.HeadQuery:
		return queryDecoder{}
	default:
		return argmaxDecoder{}
	}
}

// argmaxDecoder handles logits (1, C, h, w): the class map is the argmax
// over the class axis.
type argmaxDecoder struct{}

func (argmaxDecoder) decode(outs []models.Output, size image.Point, numClasses int) (*images.ClassMap, error) {
	logits, c, h, w, err := chwOutput(outs, 0)
	if err != nil {
		return nil, err
	}
	if c > numClasses {
		c = numClasses
	}
	return argmaxCHW(logits, c, h, w), nil
}

// stridedDecoder handles logits emitted at an internal stride: each class
// plane is bilinearly upsampled to the input size before the argmax.
type stridedDecoder struct{}

func (stridedDecoder) decode(outs []models.Output, size image.Point, numClasses int) (*images.ClassMap, error) {
	logits, c, h, w, err := chwOutput(outs, 0)
	if err != nil {
		return nil, err
	}
	if c > numClasses {
		c = numClasses
	}

	if h == size.Y && w == size.X {
		return argmaxCHW(logits, c, h, w), nil
	}

	up := make([]float32, c*size.X*size.Y)
	for ch := 0; ch < c; ch++ {
		bilinearResize(
			logits[ch*h*w:(ch+1)*h*w], w, h,
			up[ch*size.X*size.Y:(ch+1)*size.X*size.Y], size.X, size.Y,
		)
	}
	return argmaxCHW(up, c, size.Y, size.X), nil
}

// queryDecoder handles the query-based head: Q candidate masks plus Q
// class distributions over C+1 entries, the last being the no-object
// sink. The sink column is sliced away before the mask and class scores
// are combined, so the argmax never sees it.
type queryDecoder struct{}

func (queryDecoder) decode(outs []models.Output, size image.Point, numClasses int) (*images.ClassMap, error) {
	if len(outs) < 2 {
		return nil, errors.Errorf("query head expects 2 outputs, got %d", len(outs))
	}

	maskLogits, q, mh, mw, err := chwOutput(outs, 0)
	if err != nil {
		return nil, err
	}

	classOut := outs[1]
	if len(classOut.Shape) != 3 || classOut.Shape[0] != 1 {
		return nil, errors.Errorf("unexpected class logits shape %v", classOut.Shape)
	}
	if int(classOut.Shape[1]) != q {
		return nil, errors.Errorf("mask and class outputs disagree on query count: %d vs %d",
			q, classOut.Shape[1])
	}
	cPlus1 := int(classOut.Shape[2])
	c := cPlus1 - 1
	if c > numClasses {
		c = numClasses
	}
	if c <= 0 {
		return nil, errors.Errorf("class logits carry no classes (shape %v)", classOut.Shape)
	}

	// Softmax each query over the full C+1 axis, then keep the first C
	// entries, transposed to (C, Q) for the combine below.
	classProbs := make([]float32, c*q)
	for qi := 0; qi < q; qi++ {
		row := classOut.Data[qi*cPlus1 : (qi+1)*cPlus1]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		exps := make([]float32, cPlus1)
		for i, v := range row {
			exps[i] = math32.Exp(v - max)
			sum += exps[i]
		}
		for ci := 0; ci < c; ci++ {
			classProbs[ci*q+qi] = exps[ci] / sum
		}
	}

	// Sigmoid the mask logits and upsample each query plane to the input
	// size when the head runs at a stride.
	hw := size.X * size.Y
	maskProbs := make([]float32, q*hw)
	if mh == size.Y && mw == size.X {
		for i, v := range maskLogits {
			maskProbs[i] = sigmoid(v)
		}
	} else {
		plane := make([]float32, mh*mw)
		for qi := 0; qi < q; qi++ {
			src := maskLogits[qi*mh*mw : (qi+1)*mh*mw]
			for i, v := range src {
				plane[i] = sigmoid(v)
			}
			bilinearResize(plane, mw, mh, maskProbs[qi*hw:(qi+1)*hw], size.X, size.Y)
		}
	}

	// (C, Q) x (Q, H*W) -> per-pixel per-class scores (C, H*W).
	ct := tensor.New(tensor.WithShape(c, q), tensor.WithBacking(classProbs))
	mt := tensor.New(tensor.WithShape(q, hw), tensor.WithBacking(maskProbs))
	scores, err := tensor.MatMul(ct, mt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to combine query scores")
	}
	dense, ok := scores.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("unexpected matmul result type %T", scores)
	}

	return argmaxCHW(dense.Data().([]float32), c, size.Y, size.X), nil
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

// chwOutput validates outs[i] as (1, C, H, W) and returns its data and
// dimensions.
func chwOutput(outs []models.Output, i int) (data []float32, c, h, w int, err error) {
	if i >= len(outs) {
		return nil, 0, 0, 0, errors.Errorf("missing model output %d", i)
	}
	out := outs[i]
	if len(out.Shape) != 4 || out.Shape[0] != 1 {
		return nil, 0, 0, 0, errors.Errorf("unexpected output shape %v", out.Shape)
	}
	c, h, w = int(out.Shape[1]), int(out.Shape[2]), int(out.Shape[3])
	if len(out.Data) < c*h*w {
		return nil, 0, 0, 0, errors.Errorf("output holds %d values, want %d", len(out.Data), c*h*w)
	}
	return out.Data, c, h, w, nil
}

// argmaxCHW reduces scores laid out (C, H, W) to a class map.
func argmaxCHW(scores []float32, c, h, w int) *images.ClassMap {
	m := images.NewClassMap(w, h)
	hw := h * w
	for i := 0; i < hw; i++ {
		best := 0
		bestScore := scores[i]
		for ch := 1; ch < c; ch++ {
			if s := scores[ch*hw+i]; s > bestScore {
				best = ch
				bestScore = s
			}
		}
		m.Idx[i] = uint8(best)
	}
	return m
}

// bilinearResize samples a single float32 plane into dst with bilinear
// interpolation, using half-pixel center alignment.
func bilinearResize(src []float32, sw, sh int, dst []float32, dw, dh int) {
	scaleX := float32(sw) / float32(dw)
	scaleY := float32(sh) / float32(dh)

	for y := 0; y < dh; y++ {
		fy := (float32(y)+0.5)*scaleY - 0.5
		y0 := int(math32.Floor(fy))
		ty := fy - float32(y0)
		y1 := y0 + 1
		if y0 < 0 {
			y0, y1, ty = 0, 0, 0
		}
		if y1 >= sh {
			y1 = sh - 1
			if y0 > y1 {
				y0 = y1
			}
		}

		for x := 0; x < dw; x++ {
			fx := (float32(x)+0.5)*scaleX - 0.5
			x0 := int(math32.Floor(fx))
			tx := fx - float32(x0)
			x1 := x0 + 1
			if x0 < 0 {
				x0, x1, tx = 0, 0, 0
			}
			if x1 >= sw {
				x1 = sw - 1
				if x0 > x1 {
					x0 = x1
				}
			}

			top := src[y0*sw+x0]*(1-tx) + src[y0*sw+x1]*tx
			bottom := src[y1*sw+x0]*(1-tx) + src[y1*sw+x1]*tx
			dst[y*dw+x] = top*(1-ty) + bottom*ty
		}
	}
}
