package handlers

import (
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/pipeline"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string        `json:"detail"`
	Kind   pipeline.Kind `json:"kind"`
}

type topPrediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// PredictResponse is the /predict body. Treatment is present only when
// enrichment ran.
type PredictResponse struct {
	Filename             string                   `json:"filename"`
	Prediction           string                   `json:"prediction"`
	Confidence           float64                  `json:"confidence"`
	ConfidencePercentage float64                  `json:"confidence_percentage"`
	Top3Predictions      []topPrediction          `json:"top3_predictions"`
	Model                string                   `json:"model"`
	SupportedCrops       []catalog.Crop           `json:"supported_crops"`
	Treatment            treatment.Recommendation `json:"treatment,omitempty"`
}

func newPredictResponse(res *pipeline.Result) PredictResponse {
	top := make([]topPrediction, len(res.TopK))
	for i, p := range res.TopK {
		top[i] = topPrediction{Class: p.Label.RawClassID, Confidence: p.Probability}
	}
	return PredictResponse{
		Filename:             res.SourceFilename,
		Prediction:           res.Top1.Label.RawClassID,
		Confidence:           res.Top1.Probability,
		ConfidencePercentage: math.Round(res.Top1.Probability*10000) / 100,
		Top3Predictions:      top,
		Model:                res.ModelIdentifier,
		SupportedCrops:       res.SupportedCrops,
		Treatment:            res.Treatment,
	}
}

// TreatmentRequest is the /treatment body.
type TreatmentRequest struct {
	DiseaseName string   `json:"disease_name"`
	Confidence  *float64 `json:"confidence"`
}

// writeError renders err with the status of its kind. Anything that is not a
// *pipeline.Error is an internal error.
func writeError(c *gin.Context, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		log.WithError(err).WithField("request_id", c.GetString(requestIDKey)).Error("[HTTP] Unclassified error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Detail: "internal server error",
			Kind:   pipeline.KindInternal,
		})
		return
	}

	if perr.Kind == pipeline.KindOverloaded {
		c.Header("Retry-After", "1")
	}
	detail := perr.Detail
	if perr.Kind == pipeline.KindInference && perr.Err != nil {
		detail = "Prediction failed: " + perr.Err.Error()
	}
	c.AbortWithStatusJSON(perr.Kind.HTTPStatus(), ErrorResponse{Detail: detail, Kind: perr.Kind})
}
