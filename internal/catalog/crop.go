package catalog

import "strings"

// Crop identifies the plant species a class belongs to.
type Crop string

const (
	CropApple      Crop = "Apple"
	CropBlueberry  Crop = "Blueberry"
	CropCherry     Crop = "Cherry"
	CropCorn       Crop = "Corn"
	CropGrape      Crop = "Grape"
	CropOrange     Crop = "Orange"
	CropPeach      Crop = "Peach"
	CropPepper     Crop = "Pepper"
	CropPotato     Crop = "Potato"
	CropRaspberry  Crop = "Raspberry"
	CropSoybean    Crop = "Soybean"
	CropSquash     Crop = "Squash"
	CropStrawberry Crop = "Strawberry"
	CropTomato     Crop = "Tomato"
	CropUnknown    Crop = "Unknown Crop"
)

var knownCrops = map[string]Crop{
	"apple":      CropApple,
	"blueberry":  CropBlueberry,
	"cherry":     CropCherry,
	"corn":       CropCorn,
	"maize":      CropCorn,
	"grape":      CropGrape,
	"orange":     CropOrange,
	"peach":      CropPeach,
	"pepper":     CropPepper,
	"potato":     CropPotato,
	"raspberry":  CropRaspberry,
	"soybean":    CropSoybean,
	"squash":     CropSquash,
	"strawberry": CropStrawberry,
	"tomato":     CropTomato,
}

// ParseCrop maps the prefix of a raw class id ("Corn_(maize)", "Pepper,_bell")
// to a Crop. The first word decides; unknown words are kept title-cased.
func ParseCrop(prefix string) Crop {
	word := prefix
	if i := strings.IndexAny(word, "_,( "); i >= 0 {
		word = word[:i]
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return CropUnknown
	}

	if crop, ok := knownCrops[strings.ToLower(word)]; ok {
		return crop
	}
	return Crop(strings.ToUpper(word[:1]) + strings.ToLower(word[1:]))
}

func (c Crop) String() string {
	return string(c)
}
