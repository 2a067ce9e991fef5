package pipeline

import (
	"context"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
	"github.com/Brownie44l1/cropguard-api/internal/model"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// State is a step of one request's lifecycle.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateDecoded    State = "decoded"
	StateClassified State = "classified"
	StateEnriched   State = "enriched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Upload is one submitted image. It lives for the duration of a request.
type Upload struct {
	Filename    string
	Data        []byte
	ContentType string
}

// Prediction is a resolved label with its probability.
type Prediction struct {
	Label       catalog.LabelRecord
	Probability float64
}

// Result is the outcome of a successful prediction. It is never modified
// after Predict returns.
type Result struct {
	RequestID       string
	SourceFilename  string
	Top1            Prediction
	TopK            []Prediction
	ModelIdentifier string
	SupportedCrops  []catalog.Crop
	// Treatment is nil when the top prediction is healthy or enrichment is off.
	Treatment treatment.Recommendation
}

// Decoder turns raw bytes into a model tensor.
type Decoder interface {
	Decode(data []byte, declaredMIME string) (*imagecodec.Tensor, error)
}

// Classifier returns the full probability distribution for a tensor.
type Classifier interface {
	Classify(ctx context.Context, tensor *imagecodec.Tensor) ([]model.Score, error)
}

// Advisor produces treatment guidance. It must not fail.
type Advisor interface {
	Recommend(ctx context.Context, rec catalog.LabelRecord, confidence float64) treatment.Recommendation
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id the transport assigned.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id set by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
