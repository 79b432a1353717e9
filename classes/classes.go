// Package classes holds the static class vocabularies used by the
// segmentation models and the per-vocabulary color palettes.
package classes

// Vocabulary identifies one of the fixed class catalogs.
type Vocabulary string

const (
	// VocabularyCOCO21 is the 21-class COCO-stuff subset used by the
	// DeepLabV3 models.
	VocabularyCOCO21 Vocabulary = "coco21"
	// VocabularyADE150 is the 150-class ADE20K catalog used by the
	// SegFormer and Mask2Former models.
	VocabularyADE150 Vocabulary = "ade150"
)

// coco21Labels is the COCO-stuff subset, index 0 is background.
var coco21Labels = []string{
	"background", "person", "bicycle", "car", "motorcycle",
	"airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter",
	"bench", "bird", "cat", "dog", "horse", "sheep", "cow",
}

// ade150Labels is the full ADE20K scene-parsing catalog. Index 0 ("wall")
// is treated as background by the renderer and the detected-class report.
var ade150Labels = []string{
	"wall", "building", "sky", "floor", "tree", "ceiling", "road",
	"bed", "windowpane", "grass", "cabinet", "sidewalk", "person",
	"earth", "door", "table", "mountain", "plant", "curtain", "chair",
	"car", "water", "painting", "sofa", "shelf", "house", "sea",
	"mirror", "rug", "field", "armchair", "seat", "fence", "desk",
	"rock", "wardrobe", "lamp", "bathtub", "railing", "cushion",
	"base", "box", "column", "signboard", "chest of drawers", "counter",
	"sand", "sink", "skyscraper", "fireplace", "refrigerator",
	"grandstand", "path", "stairs", "runway", "case", "pool table",
	"pillow", "screen door", "stairway", "river", "bridge", "bookcase",
	"blind", "coffee table", "toilet", "flower", "book", "hill",
	"bench", "countertop", "stove", "palm", "kitchen island",
	"computer", "swivel chair", "boat", "bar", "arcade machine",
	"hovel", "bus", "towel", "light", "truck", "tower", "chandelier",
	"awning", "streetlight", "booth", "television", "airplane",
	"dirt track", "apparel", "pole", "land", "bannister", "escalator",
	"ottoman", "bottle", "buffet", "poster", "stage", "van", "ship",
	"fountain", "conveyer belt", "canopy", "washer", "plaything",
	"swimming pool", "stool", "barrel", "basket", "waterfall", "tent",
	"bag", "minibike", "cradle", "oven", "ball", "food", "step",
	"tank", "trade name", "microwave", "pot", "animal", "bicycle",
	"lake", "dishwasher", "screen", "blanket", "sculpture", "hood",
	"sconce", "vase", "traffic light", "tray", "ashcan", "fan", "pier",
	"crt screen", "plate", "monitor", "bulletin board", "shower",
	"radiator", "glass", "clock", "flag",
}

// Labels returns the ordered label list for a vocabulary. The returned
// slice is shared and must not be mutated.
func Labels(v Vocabulary) []string {
	switch v {
	case VocabularyADE150:
		return ade150Labels
	default:
		return coco21Labels
	}
}

// NumClasses returns the number of classes in a vocabulary.
func NumClasses(v Vocabulary) int {
	return len(Labels(v))
}
