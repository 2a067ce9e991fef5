package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 32

	// probabilityTolerance bounds |sum(p) - 1| for a valid distribution.
	probabilityTolerance = 1e-3
)

// RunnerFactory builds one Runner per worker.
type RunnerFactory func() (Runner, error)

// Options sizes the inference pool.
type Options struct {
	Workers   int
	QueueSize int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers       int `json:"workers"`
	QueueCapacity int `json:"queue_capacity"`
	QueueDepth    int `json:"queue_depth"`
}

// Engine serves classification requests from a fixed pool of model replicas.
// After NewEngine returns, its metadata is read-only.
type Engine struct {
	meta       *Metadata
	dispatcher *dispatcher
	opts       Options
}

// NewEngine builds opts.Workers runners and starts the pool. Any runner
// failure is an ErrModelLoad.
func NewEngine(meta *Metadata, factory RunnerFactory, opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	runners := make([]Runner, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		r, err := factory()
		if err != nil {
			for _, built := range runners {
				built.Close()
			}
			if errors.Is(err, ErrModelLoad) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: runner %d: %v", ErrModelLoad, i+1, err)
		}
		runners = append(runners, r)
	}

	d := newDispatcher(runners, opts.QueueSize)
	d.run()

	log.WithFields(log.Fields{
		"model":      meta.Identifier(),
		"version":    meta.Version,
		"classes":    len(meta.Classes),
		"workers":    opts.Workers,
		"queue_size": opts.QueueSize,
	}).Info("[Engine] Inference pool started")

	return &Engine{meta: meta, dispatcher: d, opts: opts}, nil
}

// Metadata returns the model metadata. Callers must not modify it.
func (e *Engine) Metadata() *Metadata {
	return e.meta
}

// Classify runs one tensor through the model and returns the full probability
// distribution in class index order.
func (e *Engine) Classify(ctx context.Context, tensor *imagecodec.Tensor) ([]Score, error) {
	if tensor == nil || len(tensor.Data) != e.meta.InputSize() {
		got := 0
		if tensor != nil {
			got = len(tensor.Data)
		}
		return nil, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, e.meta.InputSize(), got)
	}

	j := job{
		ctx:    ctx,
		input:  tensor.Data,
		result: make(chan jobResult, 1),
	}
	if err := e.dispatcher.submit(j); err != nil {
		return nil, err
	}

	select {
	case res := <-j.result:
		if res.err != nil {
			return nil, res.err
		}
		return e.toScores(res.output)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) toScores(output []float32) ([]Score, error) {
	n := len(e.meta.Classes)
	if len(output) != n {
		return nil, fmt.Errorf("%w: model emitted %d values for %d classes", ErrInference, len(output), n)
	}

	values := make([]float64, n)
	for i, v := range output {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite output at index %d", ErrInference, i)
		}
		values[i] = f
	}

	var probs []float64
	if e.meta.OutputActivation == ActivationSoftmax {
		probs = Softmax(values)
	} else {
		probs = values
	}

	sum := 0.0
	for _, p := range probs {
		if p < 0 || p > 1+probabilityTolerance {
			return nil, fmt.Errorf("%w: probability %v outside [0,1]", ErrInference, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return nil, fmt.Errorf("%w: probabilities sum to %v", ErrInference, sum)
	}

	scores := make([]Score, n)
	for i, p := range probs {
		scores[i] = Score{Index: i, Probability: p}
	}
	return scores, nil
}

// Stats reports pool size and current queue depth.
func (e *Engine) Stats() Stats {
	return Stats{
		Workers:       e.opts.Workers,
		QueueCapacity: e.opts.QueueSize,
		QueueDepth:    e.dispatcher.depth(),
	}
}

// Close stops the pool and releases every runner.
func (e *Engine) Close() error {
	return e.dispatcher.stop()
}

// Softmax is the max-shifted, numerically stable softmax.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// TopK returns the k most probable scores, descending, ties broken by
// ascending class index. scores is not modified.
func TopK(scores []Score, k int) []Score {
	ranked := make([]Score, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Probability != ranked[j].Probability {
			return ranked[i].Probability > ranked[j].Probability
		}
		return ranked[i].Index < ranked[j].Index
	})
	if k >= 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}
