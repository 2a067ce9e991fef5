package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cropguard-api/internal/auth"
	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/handlers"
	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
	"github.com/Brownie44l1/cropguard-api/internal/model"
	"github.com/Brownie44l1/cropguard-api/internal/pipeline"
	"github.com/Brownie44l1/cropguard-api/internal/testutil"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

var (
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.NRGBA{A: 255}
)

func init() {
	gin.SetMode(gin.TestMode)
}

type classifierFunc func(ctx context.Context, t *imagecodec.Tensor) ([]model.Score, error)

func (f classifierFunc) Classify(ctx context.Context, t *imagecodec.Tensor) ([]model.Score, error) {
	return f(ctx, t)
}

type stubPool struct {
	stats model.Stats
}

func (p stubPool) Stats() model.Stats { return p.stats }

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Capture(err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) CaptureRequest(err error, _ *http.Request, tags map[string]string) {
	r.Capture(err, tags)
}

func (r *recordingReporter) Close() {}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type serverOptions struct {
	classifier     pipeline.Classifier
	jwt            *auth.JWTManager
	maxUploadBytes int
	reporter       *recordingReporter
}

type testServer struct {
	client    *resty.Client
	generator *testutil.MockGenerator
	reporter  *recordingReporter
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	codec, err := imagecodec.New(imagecodec.Options{Width: 8})
	require.NoError(t, err)
	cat, err := catalog.New(testutil.PlantVillageClasses)
	require.NoError(t, err)

	pool := stubPool{stats: model.Stats{Workers: 2, QueueCapacity: 32}}
	classifier := opts.classifier
	if classifier == nil {
		meta := &model.Metadata{
			ModelName:        "Vision Transformer (ViT-Base)",
			InputShape:       []int64{1, 3, 8, 8},
			OutputShape:      []int64{1, int64(len(testutil.PlantVillageClasses))},
			Classes:          testutil.PlantVillageClasses,
			ImageSize:        8,
			OutputActivation: model.ActivationSoftmax,
		}
		runner := testutil.BrightnessRunner("Tomato___healthy", "Apple___Apple_scab")
		engine, err := model.NewEngine(meta, func() (model.Runner, error) { return runner, nil }, model.Options{Workers: 1, QueueSize: 4})
		require.NoError(t, err)
		t.Cleanup(func() { engine.Close() })
		classifier = engine
	}

	gen := &testutil.MockGenerator{ModelName: "test-llm"}
	kb, err := treatment.DefaultKnowledgeBase()
	require.NoError(t, err)
	advisor, err := treatment.NewAdvisor(kb, gen, treatment.Options{Strategy: treatment.StrategyHybrid})
	require.NoError(t, err)

	reporter := opts.reporter
	if reporter == nil {
		reporter = &recordingReporter{}
	}

	p := pipeline.New(codec, classifier, cat, advisor, pipeline.Options{
		Enrich:          true,
		RequestTimeout:  5 * time.Second,
		ModelIdentifier: "Vision Transformer (ViT-Base)",
		Reporter:        reporter,
	})
	h := handlers.NewHandler(p, pool, handlers.Options{
		MaxUploadBytes:    opts.maxUploadBytes,
		CheckpointPath:    "models/model.onnx",
		TreatmentStrategy: string(advisor.Strategy()),
		LLMStatus:         advisor.LLMStatus(),
	})
	router := handlers.NewRouter(h, handlers.RouterOptions{JWT: opts.jwt, Reporter: reporter})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		client:    resty.New().SetBaseURL(server.URL),
		generator: gen,
		reporter:  reporter,
	}
}

type predictBody struct {
	Filename             string  `json:"filename"`
	Prediction           string  `json:"prediction"`
	Confidence           float64 `json:"confidence"`
	ConfidencePercentage float64 `json:"confidence_percentage"`
	Top3Predictions      []struct {
		Class      string  `json:"class"`
		Confidence float64 `json:"confidence"`
	} `json:"top3_predictions"`
	Model          string          `json:"model"`
	SupportedCrops []string        `json:"supported_crops"`
	Treatment      json.RawMessage `json:"treatment"`
}

type treatmentBody struct {
	Available       bool    `json:"available"`
	Disease         string  `json:"disease"`
	Crop            string  `json:"crop"`
	Confidence      float64 `json:"confidence"`
	Recommendations string  `json:"recommendations"`
	ModelUsed       string  `json:"model_used"`
	Error           string  `json:"error"`
}

func upload(s *testServer, filename string, data []byte) (*resty.Response, error) {
	return s.client.R().
		SetFileReader("file", filename, bytes.NewReader(data)).
		Post("/predict")
}

func decodeError(t *testing.T, resp *resty.Response) handlers.ErrorResponse {
	t.Helper()
	var body handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	return body
}

func TestPredict_HealthyLeaf(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, err := upload(s, "leaf.jpg", testutil.JPEGBytes(64, 64, white))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), string(resp.Body()))
	assert.NotEmpty(t, resp.Header().Get("X-Request-ID"))

	var body predictBody
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.Equal(t, "leaf.jpg", body.Filename)
	assert.Equal(t, "Tomato___healthy", body.Prediction)
	assert.InDelta(t, body.Confidence*100, body.ConfidencePercentage, 0.005)
	require.Len(t, body.Top3Predictions, 3)
	assert.Equal(t, body.Prediction, body.Top3Predictions[0].Class)
	assert.Equal(t, "Vision Transformer (ViT-Base)", body.Model)
	assert.Equal(t, []string{"Apple", "Corn", "Potato", "Tomato"}, body.SupportedCrops)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(resp.Body(), &raw))
	assert.NotContains(t, raw, "treatment")
	assert.Equal(t, 0, s.generator.Calls())
}

func TestPredict_DiseasedLeafCarriesTreatment(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, err := upload(s, "scab.png", testutil.PNGBytes(32, 32, black))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), string(resp.Body()))

	var body predictBody
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.Equal(t, "Apple___Apple_scab", body.Prediction)

	var advice treatmentBody
	require.NoError(t, json.Unmarshal(body.Treatment, &advice))
	assert.True(t, advice.Available)
	assert.Equal(t, "Apple Scab", advice.Disease)
	assert.Equal(t, "Apple", advice.Crop)
	assert.Equal(t, "test-llm", advice.ModelUsed)
	assert.NotEmpty(t, advice.Recommendations)
}

func TestPredict_RejectedUploads(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		status   int
		kind     pipeline.Kind
	}{
		{
			name:     "text renamed to jpg",
			filename: "notes.jpg",
			data:     []byte("these are my field notes, not a picture of a leaf"),
			status:   http.StatusUnsupportedMediaType,
			kind:     pipeline.KindUnsupportedFormat,
		},
		{
			name:     "truncated png",
			filename: "leaf.png",
			data:     testutil.PNGBytes(32, 32, white)[:40],
			status:   http.StatusBadRequest,
			kind:     pipeline.KindCorruptImage,
		},
	}

	s := newTestServer(t, serverOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := upload(s, tt.filename, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode(), string(resp.Body()))
			body := decodeError(t, resp)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Detail)
		})
	}
}

func TestPredict_MissingFile(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, err := s.client.R().
		SetFormData(map[string]string{"image": "nope"}).
		Post("/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	body := decodeError(t, resp)
	assert.Equal(t, pipeline.KindValidation, body.Kind)
	assert.Contains(t, body.Detail, "'file'")
}

func TestPredict_TooLarge(t *testing.T) {
	s := newTestServer(t, serverOptions{maxUploadBytes: 256})

	resp, err := upload(s, "big.jpg", testutil.JPEGBytes(64, 64, white))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode())
	assert.Equal(t, pipeline.KindTooLarge, decodeError(t, resp).Kind)
}

func TestPredict_ClassifierFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		kind       pipeline.Kind
		retryAfter string
	}{
		{"overloaded", model.ErrOverloaded, http.StatusServiceUnavailable, pipeline.KindOverloaded, "1"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, pipeline.KindTimeout, ""},
		{"inference", model.ErrInference, http.StatusInternalServerError, pipeline.KindInference, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{
				classifier: classifierFunc(func(context.Context, *imagecodec.Tensor) ([]model.Score, error) {
					return nil, tt.err
				}),
			})

			resp, err := upload(s, "leaf.png", testutil.PNGBytes(16, 16, white))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode())
			assert.Equal(t, tt.retryAfter, resp.Header().Get("Retry-After"))
			assert.Equal(t, tt.kind, decodeError(t, resp).Kind)
		})
	}
}

func TestPredict_PanicIsInternalError(t *testing.T) {
	reporter := &recordingReporter{}
	s := newTestServer(t, serverOptions{
		reporter: reporter,
		classifier: classifierFunc(func(context.Context, *imagecodec.Tensor) ([]model.Score, error) {
			panic("tensor exploded")
		}),
	})

	resp, err := upload(s, "leaf.png", testutil.PNGBytes(16, 16, white))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.Equal(t, pipeline.KindInternal, decodeError(t, resp).Kind)
	assert.Equal(t, 1, reporter.count())
}

func TestTreatment(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	t.Run("known disease", func(t *testing.T) {
		var body treatmentBody
		resp, err := s.client.R().
			SetBody(map[string]any{"disease_name": "Apple___Apple_scab", "confidence": 0.923}).
			SetResult(&body).
			Post("/treatment")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode(), string(resp.Body()))

		assert.True(t, body.Available)
		assert.Equal(t, "Apple Scab", body.Disease)
		assert.Equal(t, "Apple", body.Crop)
		assert.Equal(t, 0.923, body.Confidence)
		assert.Equal(t, "test-llm", body.ModelUsed)
		assert.InDelta(t, 92.3, s.generator.Last().Confidence*100, 1e-9)
	})

	t.Run("unknown disease", func(t *testing.T) {
		var body treatmentBody
		resp, err := s.client.R().
			SetBody(map[string]any{"disease_name": "Banana___Panama_disease", "confidence": 0.5}).
			SetResult(&body).
			Post("/treatment")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode())

		assert.False(t, body.Available)
		assert.Equal(t, "unknown disease: Banana___Panama_disease", body.Error)
	})

	t.Run("healthy class", func(t *testing.T) {
		var body treatmentBody
		resp, err := s.client.R().
			SetBody(map[string]any{"disease_name": "Potato___healthy", "confidence": 0.99}).
			SetResult(&body).
			Post("/treatment")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode())
		assert.False(t, body.Available)
		assert.Contains(t, body.Error, "healthy")
	})
}

func TestTreatment_InvalidInput(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	tests := []struct {
		name string
		body any
	}{
		{"percentage instead of fraction", map[string]any{"disease_name": "Apple___Apple_scab", "confidence": 92.3}},
		{"negative confidence", map[string]any{"disease_name": "Apple___Apple_scab", "confidence": -0.1}},
		{"missing confidence", map[string]any{"disease_name": "Apple___Apple_scab"}},
		{"missing disease", map[string]any{"confidence": 0.5}},
		{"malformed json", `{"disease_name": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.client.R().
				SetHeader("Content-Type", "application/json").
				SetBody(tt.body).
				Post("/treatment")
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
			assert.Equal(t, pipeline.KindValidation, decodeError(t, resp).Kind)
		})
	}
}

func TestMetadataEndpoints(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	t.Run("root", func(t *testing.T) {
		var body map[string]any
		resp, err := s.client.R().SetResult(&body).Get("/")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, "CropGuard AI API is running", body["message"])
		assert.Equal(t, true, body["model_loaded"])
		assert.EqualValues(t, len(testutil.PlantVillageClasses), body["classes_count"])
	})

	t.Run("classes", func(t *testing.T) {
		var body struct {
			Classes []string `json:"classes"`
			Count   int      `json:"count"`
		}
		resp, err := s.client.R().SetResult(&body).Get("/classes")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, testutil.PlantVillageClasses, body.Classes)
		assert.Equal(t, len(testutil.PlantVillageClasses), body.Count)
	})

	t.Run("health", func(t *testing.T) {
		var body map[string]any
		resp, err := s.client.R().SetResult(&body).Get("/health")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "loaded", body["model_status"])
		assert.Equal(t, "configured", body["llm_status"])
		assert.Equal(t, "cpu", body["device"])
		assert.Equal(t, "hybrid", body["treatment_strategy"])
		assert.EqualValues(t, 2, body["workers"])
		assert.EqualValues(t, 32, body["queue_capacity"])
	})
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, err := s.client.R().
		SetHeader("Origin", "https://cropguard-ai.vercel.app").
		SetHeader("Access-Control-Request-Method", "POST").
		Options("/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestAuth(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)
	s := newTestServer(t, serverOptions{jwt: manager})

	t.Run("public endpoints stay open", func(t *testing.T) {
		resp, err := s.client.R().Get("/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
	})

	t.Run("missing token", func(t *testing.T) {
		resp, err := upload(s, "leaf.jpg", testutil.JPEGBytes(16, 16, white))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
		assert.Equal(t, pipeline.KindUnauthorized, decodeError(t, resp).Kind)
	})

	t.Run("foreign token", func(t *testing.T) {
		other := auth.NewJWTManager("other-secret", time.Hour)
		token, _, err := other.GenerateToken("mallory")
		require.NoError(t, err)

		resp, err := s.client.R().
			SetAuthToken(token).
			SetBody(map[string]any{"disease_name": "Apple___Apple_scab", "confidence": 0.9}).
			Post("/treatment")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := manager.GenerateToken("field-app")
		require.NoError(t, err)

		resp, err := s.client.R().
			SetAuthToken(token).
			SetFileReader("file", "leaf.jpg", bytes.NewReader(testutil.JPEGBytes(16, 16, white))).
			Post("/predict")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode(), string(resp.Body()))
	})
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp, err := s.client.R().SetHeader("X-Request-ID", "req-42").Get("/health")
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header().Get("X-Request-ID"))
}
