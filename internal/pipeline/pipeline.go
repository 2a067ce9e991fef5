package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
	"github.com/Brownie44l1/cropguard-api/internal/model"
	"github.com/Brownie44l1/cropguard-api/internal/reporting"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

const (
	DefaultTopK           = 3
	DefaultRequestTimeout = 30 * time.Second
)

// Options configures a Pipeline.
type Options struct {
	// RequestTimeout bounds decoding and classification. Enrichment has its
	// own budget inside the advisor.
	RequestTimeout time.Duration
	TopK           int
	// Enrich attaches treatment advice to non-healthy predictions.
	Enrich          bool
	ModelIdentifier string
	Reporter        reporting.Reporter
}

// Pipeline drives one upload from bytes to a Result. It holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	codec   Decoder
	engine  Classifier
	catalog *catalog.Catalog
	advisor Advisor
	opts    Options
}

// New wires the components. advisor may be nil, in which case enrichment is
// off and Treatment reports advice as unavailable.
func New(codec Decoder, engine Classifier, cat *catalog.Catalog, advisor Advisor, opts Options) *Pipeline {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Reporter == nil {
		opts.Reporter = reporting.Noop{}
	}
	return &Pipeline{
		codec:   codec,
		engine:  engine,
		catalog: cat,
		advisor: advisor,
		opts:    opts,
	}
}

func (p *Pipeline) Catalog() *catalog.Catalog {
	return p.catalog
}

func (p *Pipeline) ModelIdentifier() string {
	return p.opts.ModelIdentifier
}

// run tracks the state of one request for logging and failure reports.
type run struct {
	p      *Pipeline
	id     string
	upload *Upload
	state  State
	logger *log.Entry
	start  time.Time
}

func (r *run) advance(next State) {
	r.logger.WithFields(log.Fields{
		"from": r.state,
		"to":   next,
	}).Debug("[Pipeline] State transition")
	r.state = next
}

func (r *run) fail(kind Kind, detail string, err error) error {
	failed := &Error{Kind: kind, Detail: detail, State: r.state, Err: err}
	entry := r.logger.WithFields(log.Fields{
		"state":   r.state,
		"kind":    kind,
		"elapsed": time.Since(r.start),
	})
	if err != nil {
		entry = entry.WithError(err)
	}

	if kind == KindInference {
		entry.Error("[Pipeline] Inference failed")
		r.p.opts.Reporter.Capture(failed, map[string]string{
			"request_id": r.id,
			"filename":   r.upload.Filename,
			"state":      string(r.state),
		})
	} else {
		entry.Info("[Pipeline] Request failed")
	}
	r.state = StateFailed
	return failed
}

// Predict classifies one upload. Failures are returned as *Error.
func (p *Pipeline) Predict(ctx context.Context, upload Upload) (*Result, error) {
	id := RequestIDFrom(ctx)
	if id == "" {
		id = uuid.New().String()
	}
	r := &run{
		p:      p,
		id:     id,
		upload: &upload,
		state:  StateReceived,
		start:  time.Now(),
		logger: log.WithFields(log.Fields{
			"request_id": id,
			"filename":   upload.Filename,
		}),
	}

	if len(upload.Data) == 0 {
		return nil, r.fail(KindValidation, "uploaded file is empty", nil)
	}
	r.advance(StateValidated)

	budget, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	tensor, err := p.codec.Decode(upload.Data, upload.ContentType)
	if err != nil {
		kind, detail := decodeFailure(err)
		return nil, r.fail(kind, detail, err)
	}
	if budget.Err() != nil {
		return nil, r.fail(contextKind(ctx), "request budget exhausted while decoding", budget.Err())
	}
	r.advance(StateDecoded)

	scores, err := p.engine.Classify(budget, tensor)
	if err != nil {
		return nil, r.classifyFailure(ctx, err)
	}

	ranked := model.TopK(scores, p.opts.TopK)
	topK := make([]Prediction, 0, len(ranked))
	for _, s := range ranked {
		rec, err := p.catalog.Resolve(s.Index)
		if err != nil {
			return nil, r.fail(KindInference, "model output does not match the label catalog", err)
		}
		topK = append(topK, Prediction{Label: rec, Probability: s.Probability})
	}
	r.advance(StateClassified)

	result := &Result{
		RequestID:       id,
		SourceFilename:  upload.Filename,
		Top1:            topK[0],
		TopK:            topK,
		ModelIdentifier: p.opts.ModelIdentifier,
		SupportedCrops:  p.catalog.SupportedCrops(),
	}

	if !result.Top1.Label.IsHealthy && p.opts.Enrich && p.advisor != nil {
		// Enrichment uses the caller's context, not the classification budget.
		result.Treatment = p.advisor.Recommend(ctx, result.Top1.Label, result.Top1.Probability)
		r.advance(StateEnriched)
	}
	r.advance(StateCompleted)

	r.logger.WithFields(log.Fields{
		"prediction": result.Top1.Label.RawClassID,
		"confidence": result.Top1.Probability,
		"elapsed":    time.Since(r.start),
	}).Info("[Pipeline] Prediction completed")

	return result, nil
}

func (r *run) classifyFailure(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, model.ErrOverloaded):
		return r.fail(KindOverloaded, "inference queue is full, retry shortly", err)
	case errors.Is(err, model.ErrStopped):
		return r.fail(KindOverloaded, "server is shutting down", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind := contextKind(ctx)
		if kind == KindCanceled {
			return r.fail(kind, "request canceled by client", err)
		}
		return r.fail(kind, fmt.Sprintf("classification exceeded %v", r.p.opts.RequestTimeout), err)
	default:
		return r.fail(KindInference, "prediction failed", err)
	}
}

func decodeFailure(err error) (Kind, string) {
	switch {
	case errors.Is(err, imagecodec.ErrEmpty):
		return KindValidation, "uploaded file is empty"
	case errors.Is(err, imagecodec.ErrTooLarge):
		return KindTooLarge, "image exceeds the size limit"
	case errors.Is(err, imagecodec.ErrUnsupportedFormat):
		return KindUnsupportedFormat, "invalid file type, please upload a JPG, JPEG, PNG, WEBP, BMP or GIF image"
	default:
		return KindCorruptImage, "image could not be decoded"
	}
}

// contextKind tells a caller that went away from a budget that ran out.
func contextKind(parent context.Context) Kind {
	if errors.Is(parent.Err(), context.Canceled) {
		return KindCanceled
	}
	return KindTimeout
}

// Treatment serves a standalone treatment lookup. Only invalid input is an
// error; an unknown disease or an advisor failure is Unavailable.
func (p *Pipeline) Treatment(ctx context.Context, rawID string, confidence float64) (treatment.Recommendation, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return nil, Validation("disease_name is required")
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, Validation(fmt.Sprintf("confidence must be between 0 and 1, got %v", confidence))
	}

	rec, ok := p.catalog.Lookup(rawID)
	if !ok {
		return treatment.Unavailable{Reason: "unknown disease: " + rawID}, nil
	}
	if p.advisor == nil {
		return treatment.Unavailable{Reason: "treatment recommendations are not configured"}, nil
	}
	return p.advisor.Recommend(ctx, rec, confidence), nil
}
