package treatment

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
)

// DefaultTimeout bounds one generative call, retries included.
const DefaultTimeout = 30 * time.Second

// Strategy selects where advice comes from.
type Strategy string

const (
	StrategyKnowledgeBase Strategy = "knowledge_base"
	StrategyGenerative    Strategy = "generative"
	// StrategyHybrid asks the generator and falls back to the knowledge base.
	StrategyHybrid Strategy = "hybrid"
	// StrategyAuto is hybrid when a generator is configured, else knowledge_base.
	StrategyAuto Strategy = "auto"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyKnowledgeBase, StrategyGenerative, StrategyHybrid, StrategyAuto:
		return st, nil
	case "":
		return StrategyAuto, nil
	default:
		return "", fmt.Errorf("unknown treatment strategy %q", s)
	}
}

// Options configures an Advisor.
type Options struct {
	Strategy Strategy
	Timeout  time.Duration
	// Cache is optional; only generated advice is cached.
	Cache Cache
}

// Advisor turns a diagnosis into a Recommendation. It never returns an error:
// every failure becomes Unavailable.
type Advisor struct {
	kb       *KnowledgeBase
	gen      Generator
	cache    Cache
	strategy Strategy
	timeout  time.Duration
}

// NewAdvisor resolves StrategyAuto and checks that the chosen strategy has
// the sources it needs. gen may be nil when no API key is configured.
func NewAdvisor(kb *KnowledgeBase, gen Generator, opts Options) (*Advisor, error) {
	strategy := opts.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = StrategyKnowledgeBase
		if gen != nil {
			strategy = StrategyHybrid
		}
	}

	switch strategy {
	case StrategyKnowledgeBase:
		if kb == nil {
			return nil, errors.New("knowledge_base strategy requires a knowledge base")
		}
	case StrategyGenerative:
		if gen == nil {
			return nil, errors.New("generative strategy requires an API key")
		}
	case StrategyHybrid:
		if gen == nil || kb == nil {
			return nil, errors.New("hybrid strategy requires a knowledge base and an API key")
		}
	default:
		return nil, fmt.Errorf("unknown treatment strategy %q", strategy)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Advisor{
		kb:       kb,
		gen:      gen,
		cache:    opts.Cache,
		strategy: strategy,
		timeout:  timeout,
	}, nil
}

// Strategy is the resolved strategy, never StrategyAuto.
func (a *Advisor) Strategy() Strategy {
	return a.strategy
}

// LLMStatus reports whether a generator is wired in.
func (a *Advisor) LLMStatus() string {
	if a.gen == nil || a.strategy == StrategyKnowledgeBase {
		return "not configured"
	}
	return "configured"
}

// Recommend produces advice for rec at the given confidence in [0,1].
func (a *Advisor) Recommend(ctx context.Context, rec catalog.LabelRecord, confidence float64) Recommendation {
	display := catalog.DisplayName(rec)
	if rec.IsHealthy {
		return Unavailable{Reason: fmt.Sprintf("no treatment required: %s is healthy", display)}
	}
	if err := ctx.Err(); err != nil {
		return Unavailable{Reason: fmt.Sprintf("treatment lookup abandoned: %v", err)}
	}

	logger := log.WithFields(log.Fields{
		"disease":    rec.RawClassID,
		"confidence": confidence,
		"strategy":   a.strategy,
	})

	switch a.strategy {
	case StrategyKnowledgeBase:
		return a.fromKnowledgeBase(rec, display, confidence)
	case StrategyGenerative:
		return a.generate(ctx, logger, rec, display, confidence)
	default:
		generated := a.generate(ctx, logger, rec, display, confidence)
		if generated.Available() || ctx.Err() != nil {
			return generated
		}
		if fallback := a.fromKnowledgeBase(rec, display, confidence); fallback.Available() {
			logger.Info("[Advisor] Falling back to knowledge base")
			return fallback
		}
		return generated
	}
}

func (a *Advisor) fromKnowledgeBase(rec catalog.LabelRecord, display string, confidence float64) Recommendation {
	entry, ok := a.kb.Lookup(rec.RawClassID)
	if !ok {
		return Unavailable{Reason: fmt.Sprintf("no treatment guidance available for %s", display)}
	}
	return Advice{
		Disease:    display,
		Crop:       rec.Crop,
		Confidence: confidence,
		Text:       entry.Render(),
		ModelUsed:  a.kb.Source(),
	}
}

func (a *Advisor) generate(ctx context.Context, logger *log.Entry, rec catalog.LabelRecord, display string, confidence float64) Recommendation {
	key := CacheKey(rec.RawClassID, confidence)
	if a.cache != nil {
		cached, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("[Advisor] Cache read failed")
		} else if ok {
			logger.Debug("[Advisor] Cache hit")
			// Keys round confidence; report the caller's own value.
			cached.Confidence = confidence
			return cached
		}
	}

	if err := ctx.Err(); err != nil {
		return Unavailable{Reason: fmt.Sprintf("treatment lookup abandoned: %v", err)}
	}

	genCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := a.gen.Generate(genCtx, Prompt{Disease: display, Crop: rec.Crop, Confidence: confidence})
	if err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			logger.WithError(err).Info("[Advisor] Treatment generation abandoned")
			return Unavailable{Reason: fmt.Sprintf("treatment lookup abandoned: %v", parentErr)}
		}
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %v", a.timeout)
		}
		logger.WithError(err).Warn("[Advisor] Treatment generation failed")
		return Unavailable{Reason: fmt.Sprintf("Failed to get treatment recommendations: %v", err)}
	}
	logger.WithField("elapsed", time.Since(start)).Debug("[Advisor] Treatment generated")

	advice := Advice{
		Disease:    display,
		Crop:       rec.Crop,
		Confidence: confidence,
		Text:       text,
		ModelUsed:  a.gen.Name(),
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, key, advice); err != nil {
			logger.WithError(err).Warn("[Advisor] Cache write failed")
		}
	}
	return advice
}
