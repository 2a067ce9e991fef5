package treatment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/retry"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "meta-llama/llama-3.3-70b-instruct:free"
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
	DefaultReferer     = "https://cropguard-ai.vercel.app"
	DefaultTitle       = "CropGuard AI Disease Detection"
)

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Generator produces free-text treatment guidance.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	// Name identifies the backing model in Advice.ModelUsed.
	Name() string
}

// Prompt carries what the generator needs to know about a diagnosis.
type Prompt struct {
	Disease    string
	Crop       catalog.Crop
	Confidence float64
}

const promptTemplate = `You are an expert agricultural advisor. A crop disease has been detected.

Disease: %s
Crop: %s
Severity: %.1f%%

Provide ACTIONABLE treatment recommendations in this structure:

1. IMMEDIATE ACTIONS (first 24-48 hours):
   - Pesticide: [Name with dosage per liter]
   - Application method: [Foliar spray/soil drench]

2. TREATMENT PROTOCOL (next 7-14 days):
   - Chemical options: [Fungicides with rotation schedule]
   - Biological options: [Biopesticides if available]
   - Cultural practices: [Pruning, irrigation, sanitation]

3. PREVENTION MEASURES:
   - Resistant varieties
   - Crop rotation strategy
   - Field sanitation

4. CAUTIONS:
   - Local regulations
   - Environmental impact
   - Pesticide resistance management

Keep recommendations specific, practical, and evidence-based for agricultural professionals.`

// Text renders the user message sent to the model.
func (p Prompt) Text() string {
	return fmt.Sprintf(promptTemplate, p.Disease, p.Crop, p.Confidence*100)
}

// OpenRouterConfig configures an OpenAI-compatible chat completion endpoint.
type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Referer     string
	Title       string
	Retry       retry.Config
}

func (c *OpenRouterConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Referer == "" {
		c.Referer = DefaultReferer
	}
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig()
	}
}

// OpenRouterGenerator calls a chat completion API through openai-go.
type OpenRouterGenerator struct {
	client openai.Client
	cfg    OpenRouterConfig
}

// NewOpenRouterGenerator requires an API key.
func NewOpenRouterGenerator(cfg OpenRouterConfig) (*OpenRouterGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}
	cfg.applyDefaults()

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHeader("HTTP-Referer", cfg.Referer),
		option.WithHeader("X-Title", cfg.Title),
		// Retries are ours so they share the advisor's backoff and logging.
		option.WithMaxRetries(0),
	)

	return &OpenRouterGenerator{client: client, cfg: cfg}, nil
}

func (g *OpenRouterGenerator) Name() string {
	return g.cfg.Model
}

// Generate sends the prompt and returns the first choice's text.
func (g *OpenRouterGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt.Text()),
		},
		Temperature: openai.Float(g.cfg.Temperature),
		MaxTokens:   openai.Int(g.cfg.MaxTokens),
	}

	opts := retry.Options{
		Config:       g.cfg.Retry,
		ErrorChecker: retry.IsTransientStatus,
		Logger:       log.WithField("model", g.cfg.Model),
		APIName:      "OpenRouter chat",
	}

	return retry.Do(ctx, opts, func(ctx context.Context, attempt int) (string, int, error) {
		completion, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				return "", apiErr.StatusCode, err
			}
			return "", 0, err
		}

		if len(completion.Choices) == 0 {
			return "", 200, ErrEmptyCompletion
		}
		text := strings.TrimSpace(completion.Choices[0].Message.Content)
		if text == "" {
			return "", 200, ErrEmptyCompletion
		}
		return text, 200, nil
	})
}
