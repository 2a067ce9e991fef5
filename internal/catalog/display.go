package catalog

import (
	"strings"
	"unicode"
)

// knownDisplayNames takes precedence over the generic transform.
var knownDisplayNames = map[string]string{
	"Apple___Apple_scab":                     "Apple Scab",
	"Apple___Cedar_apple_rust":               "Cedar Apple Rust",
	"Apple___healthy":                        "Healthy Apple",
	"Corn_(maize)___Common_rust_":            "Corn Common Rust",
	"Corn_(maize)___healthy":                 "Healthy Corn",
	"Potato___Early_blight":                  "Potato Early Blight",
	"Potato___healthy":                       "Healthy Potato",
	"Tomato___Early_blight":                  "Tomato Early Blight",
	"Tomato___Tomato_Yellow_Leaf_Curl_Virus": "Tomato Yellow Leaf Curl Virus",
	"Tomato___healthy":                       "Healthy Tomato",
}

// DisplayName returns the human-friendly name of a record.
func DisplayName(rec LabelRecord) string {
	return DisplayNameFor(rec.RawClassID)
}

// DisplayNameFor formats a raw class id. Underscores become spaces and every
// word start is upper-cased: "Corn_(maize)___Northern_Leaf_Blight" renders as
// "Corn (Maize) Northern Leaf Blight".
func DisplayNameFor(rawID string) string {
	if name, ok := knownDisplayNames[rawID]; ok {
		return name
	}

	s := strings.ReplaceAll(rawID, classSeparator, " ")
	s = strings.ReplaceAll(s, "_", " ")

	var b strings.Builder
	b.Grow(len(s))
	prevWord := false
	for _, r := range s {
		word := isWordRune(r)
		if word && !prevWord {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
		prevWord = word
	}

	return strings.TrimSpace(b.String())
}

func isWordRune(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}
