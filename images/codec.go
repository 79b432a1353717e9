package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Decode decodes a compressed JPEG payload into an RGB frame.
//
// Arguments:
//   - data: The compressed image bytes.
//
// Returns:
//   - *Frame: The decoded frame in RGB order.
//   - error: An error if the payload is empty, does not parse, or does not
//     decode to a 3-channel 8-bit image.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame payload")
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode frame")
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("frame did not decode to an image")
	}
	if mat.Channels() != 3 || mat.Type() != gocv.MatTypeCV8UC3 {
		return nil, errors.Errorf("expected 8-bit 3-channel image, got type %d", mat.Type())
	}

	// OpenCV decodes to BGR.
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	pix, err := rgb.DataPtrUint8()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read decoded pixels")
	}

	f := NewFrame(rgb.Cols(), rgb.Rows())
	copy(f.Pix, pix)
	return f, nil
}

// Encode JPEG-encodes an RGB frame at the given quality (0-100).
//
// Arguments:
//   - f: The frame to encode.
//   - quality: JPEG quality, 0-100.
//
// Returns:
//   - []byte: The compressed JPEG bytes.
//   - error: An error if the frame shape is invalid or encoding fails.
func Encode(f *Frame, quality int) ([]byte, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, errors.New("empty frame")
	}
	if len(f.Pix) != f.Width*f.Height*3 {
		return nil, errors.Errorf("frame buffer holds %d bytes, want %d", len(f.Pix), f.Width*f.Height*3)
	}
	if quality < 0 || quality > 100 {
		return nil, errors.Errorf("jpeg quality %d out of range", quality)
	}

	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap frame")
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBToBGR)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, errors.Wrap(err, "jpeg encoding failed")
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// ClampToMax proportionally downscales a frame so it fits within maxWidth x
// maxHeight. Frames already inside the bounds are returned unchanged.
func ClampToMax(f *Frame, maxWidth, maxHeight int) *Frame {
	if f.Width <= maxWidth && f.Height <= maxHeight {
		return f
	}

	scaleW := float64(maxWidth) / float64(f.Width)
	scaleH := float64(maxHeight) / float64(f.Height)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	newW := int(float64(f.Width) * scale)
	newH := int(float64(f.Height) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	resized := resize.Resize(uint(newW), uint(newH), f.ToImage(), resize.Bilinear)
	out := FromImage(resized)
	out.Timestamp = f.Timestamp
	return out
}

// interpolationFor picks the resize filter: area averaging when shrinking,
// bilinear when growing.
func interpolationFor(src, dst image.Point) gocv.InterpolationFlags {
	if dst.X < src.X || dst.Y < src.Y {
		return gocv.InterpolationArea
	}
	return gocv.InterpolationLinear
}
