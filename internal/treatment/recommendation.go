package treatment

import (
	"encoding/json"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
)

// Recommendation is either Advice or Unavailable.
type Recommendation interface {
	Available() bool
	recommendation()
}

// Advice is treatment guidance for one diagnosed disease.
type Advice struct {
	Disease    string
	Crop       catalog.Crop
	Confidence float64
	Text       string
	ModelUsed  string
}

func (Advice) Available() bool { return true }
func (Advice) recommendation()  {}

func (a Advice) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Available       bool         `json:"available"`
		Disease         string       `json:"disease"`
		Crop            catalog.Crop `json:"crop"`
		Confidence      float64      `json:"confidence"`
		Recommendations string       `json:"recommendations"`
		ModelUsed       string       `json:"model_used"`
	}{true, a.Disease, a.Crop, a.Confidence, a.Text, a.ModelUsed})
}

// Unavailable explains why no advice could be produced.
type Unavailable struct {
	Reason string
}

func (Unavailable) Available() bool { return false }
func (Unavailable) recommendation()  {}

func (u Unavailable) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Available bool   `json:"available"`
		Error     string `json:"error"`
	}{false, u.Reason})
}
