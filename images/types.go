// Package images implements the frame codec: JPEG decode/encode, model
// preprocessing and class-map postprocessing.
package images

import (
	"image"
	"image/color"
)

// Frame is a decoded video frame: tightly packed 8-bit RGB rows plus the
// client-supplied capture timestamp in milliseconds.
type Frame struct {
	// Pix holds H*W*3 bytes in RGB order, row-major.
	Pix []uint8
	// Width of the frame in pixels.
	Width int
	// Height of the frame in pixels.
	Height int
	// Timestamp is the client-local capture time in ms since epoch.
	Timestamp int64
}

// ClassMap assigns every pixel of a frame a class index. Values are in
// [0, numClasses) for the mode that produced it.
type ClassMap struct {
	// Idx holds H*W class indices, row-major.
	Idx []uint8
	// Width of the map in pixels.
	Width int
	// Height of the map in pixels.
	Height int
}

// NewFrame allocates a zeroed frame of the given dimensions.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:    make([]uint8, width*height*3),
		Width:  width,
		Height: height,
	}
}

// NewClassMap allocates a zeroed class map of the given dimensions.
func NewClassMap(width, height int) *ClassMap {
	return &ClassMap{
		Idx:    make([]uint8, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the class index at (x, y).
func (m *ClassMap) At(x, y int) uint8 {
	return m.Idx[y*m.Width+x]
}

// Set stores a class index at (x, y).
func (m *ClassMap) Set(x, y int, class uint8) {
	m.Idx[y*m.Width+x] = class
}

// RGBAt returns the pixel at (x, y).
func (f *Frame) RGBAt(x, y int) (r, g, b uint8) {
	o := (y*f.Width + x) * 3
	return f.Pix[o], f.Pix[o+1], f.Pix[o+2]
}

// SetRGB stores a pixel at (x, y).
func (f *Frame) SetRGB(x, y int, r, g, b uint8) {
	o := (y*f.Width + x) * 3
	f.Pix[o], f.Pix[o+1], f.Pix[o+2] = r, g, b
}

// ToImage copies the frame into a Go-native image.RGBA.
func (f *Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Width*3 : (y+1)*f.Width*3]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			dst[x*4+0] = src[x*3+0]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return img
}

// FromImage copies a Go-native image into a frame, dropping alpha.
func FromImage(img image.Image) *Frame {
	bounds := img.Bounds()
	f := NewFrame(bounds.Dx(), bounds.Dy())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.RGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.RGBA)
			f.SetRGB(x, y, c.R, c.G, c.B)
		}
	}
	return f
}
