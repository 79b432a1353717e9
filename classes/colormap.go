package classes

import (
	"math"
	"sync"
)

// Color is a single palette entry in RGB order.
type Color [3]uint8

var (
	paletteOnce  sync.Once
	paletteCache map[Vocabulary][]Color
)

// Palette returns the class-index to RGB table for a vocabulary. The table
// is computed once and shared; callers must not mutate it. Index 0 is
// always black so the background never contributes a hue to the overlay.
func Palette(v Vocabulary) []Color {
	paletteOnce.Do(func() {
		paletteCache = map[Vocabulary][]Color{
			VocabularyCOCO21: vocPalette(NumClasses(VocabularyCOCO21)),
			VocabularyADE150: spreadPalette(NumClasses(VocabularyADE150)),
		}
	})
	return paletteCache[v]
}

// vocPalette builds the PASCAL VOC bit-reversal palette: for class index i,
// bits 3j, 3j+1 and 3j+2 of i land at bit position 7-j of R, G and B
// respectively.
func vocPalette(numClasses int) []Color {
	const numBits = 8

	palette := make([]Color, numClasses)
	for i := range palette {
		var r, g, b uint8
		c := i
		for j := 0; j < numBits; j++ {
			r |= uint8((c>>0)&1) << (numBits - 1 - j)
			g |= uint8((c>>1)&1) << (numBits - 1 - j)
			b |= uint8((c>>2)&1) << (numBits - 1 - j)
			c >>= 3
		}
		palette[i] = Color{r, g, b}
	}

	palette[0] = Color{0, 0, 0}
	return palette
}

// spreadPalette builds a perceptually spread palette by stepping the hue
// wheel at the golden angle, alternating saturation and value tiers so
// neighboring class indices stay distinguishable at 150 entries.
func spreadPalette(numClasses int) []Color {
	const goldenAngle = 137.50776405003785

	palette := make([]Color, numClasses)
	for i := 1; i < numClasses; i++ {
		hue := math.Mod(float64(i)*goldenAngle, 360.0)
		sat := 0.55 + 0.15*float64(i%3)
		val := 0.70 + 0.10*float64((i/3)%3)
		palette[i] = hsvToRGB(hue, sat, val)
	}

	palette[0] = Color{0, 0, 0}
	return palette
}

// hsvToRGB converts h in [0,360), s and v in [0,1] to 8-bit RGB.
func hsvToRGB(h, s, v float64) Color {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60.0, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return Color{
		uint8(math.Round((r + m) * 255)),
		uint8(math.Round((g + m) * 255)),
		uint8(math.Round((b + m) * 255)),
	}
}
