// Package viz renders class maps onto frames using one of four
// pixel-composition modes.
package viz

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-segment/classes"
	"github.com/nvr-ai/go-segment/images"
)

// Mode selects the pixel-composition scheme. The values match the wire
// protocol's visualization_mode field.
type Mode string

const (
	ModeFilled     Mode = "filled"
	ModeContour    Mode = "contour"
	ModeSideBySide Mode = "side-by-side"
	ModeBlend      Mode = "blend"
)

// ParseMode validates a wire-level visualization mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFilled, ModeContour, ModeSideBySide, ModeBlend:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown visualization mode: %q", s)
}

// Renderer composes a frame and its class map into a reply image. One
// renderer per session, rebuilt when the model mode (and with it the class
// count) changes.
type Renderer struct {
	numClasses int
	palette    []classes.Color
}

// NewRenderer creates a renderer over the palette of the given vocabulary.
func NewRenderer(vocabulary classes.Vocabulary) *Renderer {
	return &Renderer{
		numClasses: classes.NumClasses(vocabulary),
		palette:    classes.Palette(vocabulary),
	}
}

// NumClasses reports the class count the renderer was built for.
func (r *Renderer) NumClasses() int {
	return r.numClasses
}

// Render produces the reply image for a frame and its class map.
//
// Arguments:
//   - f: The original frame.
//   - m: The class map, same dimensions as f.
//   - mode: The composition mode.
//   - opacity: Overlay opacity, clamped to [0, 1]. Ignored by contour and
//     side-by-side.
//   - filter: Class indices to show; nil shows all. Out-of-range entries
//     are dropped.
//
// Returns:
//   - *images.Frame: The rendered frame. Same size as f except in
//     side-by-side mode, where the width doubles.
//   - error: An error if the inputs disagree on dimensions or the mode is
//     unknown.
func (r *Renderer) Render(f *images.Frame, m *images.ClassMap, mode Mode, opacity float64, filter []int) (*images.Frame, error) {
	if f.Width != m.Width || f.Height != m.Height {
		return nil, errors.Errorf("frame %dx%d and class map %dx%d differ",
			f.Width, f.Height, m.Width, m.Height)
	}

	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}
	pass := r.filterSet(filter)

	switch mode {
	case ModeFilled:
		return r.filled(f, m, opacity, pass), nil
	case ModeContour:
		return r.contour(f, m, pass), nil
	case ModeSideBySide:
		return r.sideBySide(f, m, pass), nil
	case ModeBlend:
		return r.blend(f, m, pass)
	}
	return nil, errors.Errorf("unknown visualization mode: %q", mode)
}

// filterSet converts a class filter to a lookup table, silently dropping
// out-of-range indices. nil means every class passes.
func (r *Renderer) filterSet(filter []int) []bool {
	if filter == nil {
		return nil
	}
	pass := make([]bool, r.numClasses)
	for _, c := range filter {
		if c >= 0 && c < r.numClasses {
			pass[c] = true
		}
	}
	return pass
}

func (r *Renderer) passes(pass []bool, class uint8) bool {
	return pass == nil || pass[class]
}

func (r *Renderer) colorOf(class uint8) classes.Color {
	if int(class) >= r.numClasses {
		class = uint8(r.numClasses - 1)
	}
	return r.palette[class]
}

// filled blends the palette-indexed layer over the frame. Filtered-out
// pixels show the original unchanged.
func (r *Renderer) filled(f *images.Frame, m *images.ClassMap, opacity float64, pass []bool) *images.Frame {
	out := images.NewFrame(f.Width, f.Height)
	out.Timestamp = f.Timestamp

	alpha := float32(opacity)
	inv := 1 - alpha
	for i, class := range m.Idx {
		o := i * 3
		if !r.passes(pass, class) {
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = f.Pix[o], f.Pix[o+1], f.Pix[o+2]
			continue
		}
		c := r.colorOf(class)
		out.Pix[o] = blendChannel(f.Pix[o], c[0], inv, alpha)
		out.Pix[o+1] = blendChannel(f.Pix[o+1], c[1], inv, alpha)
		out.Pix[o+2] = blendChannel(f.Pix[o+2], c[2], inv, alpha)
	}
	return out
}

func blendChannel(img, layer uint8, inv, alpha float32) uint8 {
	v := inv*float32(img) + alpha*float32(layer)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// contour draws one-pixel class boundaries in the class's own color. A
// pixel is on a boundary when any 4-neighbor carries a different class.
// Background (class 0) is never outlined, and a boundary pixel is drawn
// only when its own class passes the filter; the neighbor's class does not
// have to.
func (r *Renderer) contour(f *images.Frame, m *images.ClassMap, pass []bool) *images.Frame {
	out := images.NewFrame(f.Width, f.Height)
	out.Timestamp = f.Timestamp
	copy(out.Pix, f.Pix)

	w, h := m.Width, m.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			class := m.At(x, y)
			if class == 0 || !r.passes(pass, class) {
				continue
			}
			if !isBoundary(m, x, y, class) {
				continue
			}
			c := r.colorOf(class)
			out.SetRGB(x, y, c[0], c[1], c[2])
		}
	}
	return out
}

func isBoundary(m *images.ClassMap, x, y int, class uint8) bool {
	if x > 0 && m.At(x-1, y) != class {
		return true
	}
	if x < m.Width-1 && m.At(x+1, y) != class {
		return true
	}
	if y > 0 && m.At(x, y-1) != class {
		return true
	}
	if y < m.Height-1 && m.At(x, y+1) != class {
		return true
	}
	return false
}

// sideBySide places the original on the left and the fully opaque colored
// layer on the right. Filtered-out pixels on the right are black.
func (r *Renderer) sideBySide(f *images.Frame, m *images.ClassMap, pass []bool) *images.Frame {
	out := images.NewFrame(f.Width*2, f.Height)
	out.Timestamp = f.Timestamp

	for y := 0; y < f.Height; y++ {
		srcRow := f.Pix[y*f.Width*3 : (y+1)*f.Width*3]
		dstRow := out.Pix[y*out.Width*3:]
		copy(dstRow[:f.Width*3], srcRow)

		for x := 0; x < f.Width; x++ {
			class := m.At(x, y)
			o := (f.Width + x) * 3
			if !r.passes(pass, class) {
				dstRow[o], dstRow[o+1], dstRow[o+2] = 0, 0, 0
				continue
			}
			c := r.colorOf(class)
			dstRow[o], dstRow[o+1], dstRow[o+2] = c[0], c[1], c[2]
		}
	}
	return out
}

// blend repaints the frame's hue with the class color's hue while keeping
// the original saturation and value, preserving image detail. Background
// and filtered-out pixels keep their original hue.
func (r *Renderer) blend(f *images.Frame, m *images.ClassMap, pass []bool) (*images.Frame, error) {
	layer := images.NewFrame(f.Width, f.Height)
	for i, class := range m.Idx {
		c := r.colorOf(class)
		o := i * 3
		layer.Pix[o], layer.Pix[o+1], layer.Pix[o+2] = c[0], c[1], c[2]
	}

	imgHSV, err := toHSV(f)
	if err != nil {
		return nil, err
	}
	layerHSV, err := toHSV(layer)
	if err != nil {
		return nil, err
	}

	for i, class := range m.Idx {
		if class == 0 || !r.passes(pass, class) {
			continue
		}
		imgHSV[i*3] = layerHSV[i*3]
	}

	out, err := fromHSV(imgHSV, f.Width, f.Height)
	if err != nil {
		return nil, err
	}
	out.Timestamp = f.Timestamp
	return out, nil
}

// toHSV converts an RGB frame to 8-bit HSV bytes (OpenCV hue range 0-179).
func toHSV(f *images.Frame) ([]uint8, error) {
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap frame")
	}
	defer mat.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(mat, &hsv, gocv.ColorRGBToHSV)

	pix, err := hsv.DataPtrUint8()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hsv pixels")
	}
	out := make([]uint8, len(pix))
	copy(out, pix)
	return out, nil
}

func fromHSV(hsv []uint8, width, height int) (*images.Frame, error) {
	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, hsv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap hsv buffer")
	}
	defer mat.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorHSVToRGB)

	pix, err := rgb.DataPtrUint8()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rgb pixels")
	}

	out := images.NewFrame(width, height)
	copy(out.Pix, pix)
	return out, nil
}
