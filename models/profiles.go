// Package models manages the segmentation model presets and the shared,
// process-wide model pool.
package models

import (
	"image"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-segment/classes"
)

// Mode is one of the four model presets. Each preset fixes the network,
// its input size and its class vocabulary.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeAccurate Mode = "accurate"
	ModeSOTA     Mode = "sota"
)

// Modes returns every mode in display order.
func Modes() []Mode {
	return []Mode{ModeFast, ModeBalanced, ModeAccurate, ModeSOTA}
}

// ParseMode validates a wire-level mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFast, ModeBalanced, ModeAccurate, ModeSOTA:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown model mode: %q", s)
}

// Head identifies the output-decoding contract of a preset's network.
type Head int

const (
	// HeadArgmax emits logits (1, C, H, W) at the input resolution.
	HeadArgmax Head = iota
	// HeadStrided emits logits (1, C, h, w) at an internal stride that must
	// be upsampled to the input resolution before the argmax.
	HeadStrided
	// HeadQuery emits mask logits (1, Q, h, w) and class logits
	// (1, Q, C+1) that must be combined into per-pixel class scores.
	HeadQuery
)

// Profile is the static description of a model preset.
type Profile struct {
	// Mode this profile belongs to.
	Mode Mode
	// Name is the model identifier, also the ONNX file stem.
	Name string
	// Backbone architecture, informational.
	Backbone string
	// InputSize is the spatial input size (X=width, Y=height).
	InputSize image.Point
	// Vocabulary is the class catalog the model predicts over.
	Vocabulary classes.Vocabulary
	// Head is the output-decoding contract.
	Head Head
	// InputName is the ONNX graph input.
	InputName string
	// OutputNames are the ONNX graph outputs, in Forward result order.
	OutputNames []string
	// ExpectedFPS is a UI hint, not a guarantee.
	ExpectedFPS int
	// MemoryMB is the expected resident footprint, UI hint only.
	MemoryMB int
}

// NumClasses returns the size of the profile's class vocabulary.
func (p Profile) NumClasses() int {
	return classes.NumClasses(p.Vocabulary)
}

var profiles = map[Mode]Profile{
	ModeFast: {
		Mode:        ModeFast,
		Name:        "deeplabv3_mobilenet_v3_large",
		Backbone:    "mobilenet_v3",
		InputSize:   image.Pt(512, 512),
		Vocabulary:  classes.VocabularyCOCO21,
		Head:        HeadArgmax,
		InputName:   "pixel_values",
		OutputNames: []string{"logits"},
		ExpectedFPS: 35,
		MemoryMB:    1200,
	},
	ModeBalanced: {
		Mode:        ModeBalanced,
		Name:        "deeplabv3_resnet50",
		Backbone:    "resnet50",
		InputSize:   image.Pt(640, 640),
		Vocabulary:  classes.VocabularyCOCO21,
		Head:        HeadArgmax,
		InputName:   "pixel_values",
		OutputNames: []string{"logits"},
		ExpectedFPS: 22,
		MemoryMB:    2500,
	},
	ModeAccurate: {
		Mode:        ModeAccurate,
		Name:        "segformer_b3_ade",
		Backbone:    "segformer",
		InputSize:   image.Pt(768, 768),
		Vocabulary:  classes.VocabularyADE150,
		Head:        HeadStrided,
		InputName:   "pixel_values",
		OutputNames: []string{"logits"},
		ExpectedFPS: 12,
		MemoryMB:    4500,
	},
	ModeSOTA: {
		Mode:        ModeSOTA,
		Name:        "mask2former_swin_ade",
		Backbone:    "swin",
		InputSize:   image.Pt(512, 512),
		Vocabulary:  classes.VocabularyADE150,
		Head:        HeadQuery,
		InputName:   "pixel_values",
		OutputNames: []string{"masks_queries_logits", "class_queries_logits"},
		ExpectedFPS: 5,
		MemoryMB:    6000,
	},
}

// ProfileFor returns the static profile of a mode.
func ProfileFor(mode Mode) (Profile, error) {
	p, ok := profiles[mode]
	if !ok {
		return Profile{}, errors.Errorf("unknown model mode: %q", mode)
	}
	return p, nil
}

// Info is the UI-facing description of a preset, carried by the connected
// envelope and the health endpoint.
type Info struct {
	Mode        string `json:"mode"`
	Name        string `json:"name"`
	Backbone    string `json:"backbone"`
	InputSize   [2]int `json:"input_size"`
	NumClasses  int    `json:"num_classes"`
	ExpectedFPS int    `json:"expected_fps"`
	MemoryMB    int    `json:"memory_mb"`
}

// ModelInfo returns the UI-facing description of a mode.
func ModelInfo(mode Mode) (Info, error) {
	p, err := ProfileFor(mode)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Mode:        string(p.Mode),
		Name:        p.Name,
		Backbone:    p.Backbone,
		InputSize:   [2]int{p.InputSize.X, p.InputSize.Y},
		NumClasses:  p.NumClasses(),
		ExpectedFPS: p.ExpectedFPS,
		MemoryMB:    p.MemoryMB,
	}, nil
}
