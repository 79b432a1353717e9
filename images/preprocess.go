package images

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ImageNet channel statistics used by every model in the pool.
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess resizes a frame to the model input size and packs it into a
// contiguous NCHW float32 tensor, scaled to [0, 1] and normalized with the
// ImageNet channel mean and standard deviation.
//
// Arguments:
//   - f: The frame to preprocess.
//   - target: The model input size (X=width, Y=height).
//
// Returns:
//   - []float32: 1x3xHxW tensor data, channel-major.
//   - error: An error if the frame or target size is invalid.
func Preprocess(f *Frame, target image.Point) ([]float32, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, errors.New("empty frame")
	}
	if target.X <= 0 || target.Y <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", target.X, target.Y)
	}

	src, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap frame")
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	interp := interpolationFor(image.Pt(f.Width, f.Height), target)
	gocv.Resize(src, &resized, target, 0, 0, interp)

	pix, err := resized.DataPtrUint8()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read resized pixels")
	}

	w, h := target.X, target.Y
	channelSize := w * h
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : 2*channelSize]
	blue := data[2*channelSize : 3*channelSize]

	for i := 0; i < channelSize; i++ {
		red[i] = (float32(pix[i*3+0])/255.0 - imagenetMean[0]) / imagenetStd[0]
		green[i] = (float32(pix[i*3+1])/255.0 - imagenetMean[1]) / imagenetStd[1]
		blue[i] = (float32(pix[i*3+2])/255.0 - imagenetMean[2]) / imagenetStd[2]
	}

	return data, nil
}

// PostprocessMask resizes a class map back to the original frame size with
// nearest-neighbor sampling. Class indices are categorical, so any
// interpolation between them would manufacture classes that were never
// predicted.
//
// Arguments:
//   - m: The class map at model resolution.
//   - width: The original frame width.
//   - height: The original frame height.
//
// Returns:
//   - *ClassMap: The class map at the original resolution.
//   - error: An error if the map cannot be resized.
func PostprocessMask(m *ClassMap, width, height int) (*ClassMap, error) {
	if m.Width == width && m.Height == height {
		return m, nil
	}

	src, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, m.Idx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap class map")
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationNearestNeighbor)

	idx, err := resized.DataPtrUint8()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read resized class map")
	}

	out := NewClassMap(width, height)
	copy(out.Idx, idx)
	return out, nil
}
