package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/model"
	"github.com/Brownie44l1/cropguard-api/internal/pipeline"
)

// PoolStats exposes the inference pool for /health.
type PoolStats interface {
	Stats() model.Stats
}

// Options carries what the handlers report about the deployment.
type Options struct {
	MaxUploadBytes    int
	Device            string
	CheckpointPath    string
	TreatmentStrategy string
	LLMStatus         string
}

type Handler struct {
	pipeline *pipeline.Pipeline
	pool     PoolStats
	opts     Options
}

func NewHandler(p *pipeline.Pipeline, pool PoolStats, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Device == "" {
		opts.Device = "cpu"
	}
	return &Handler{
		pipeline: p,
		pool:     pool,
		opts:     opts,
	}
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":       "CropGuard AI API is running",
		"status":        "healthy",
		"model_loaded":  true,
		"classes_count": h.pipeline.Catalog().Len(),
	})
}

func (h *Handler) Classes(c *gin.Context) {
	classes := h.pipeline.Catalog().Classes()
	c.JSON(http.StatusOK, gin.H{
		"classes": classes,
		"count":   len(classes),
	})
}

func (h *Handler) Health(c *gin.Context) {
	stats := h.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"model_status":       "loaded",
		"classes_loaded":     h.pipeline.Catalog().Len(),
		"llm_status":         h.opts.LLMStatus,
		"device":             h.opts.Device,
		"checkpoint_path":    h.opts.CheckpointPath,
		"workers":            stats.Workers,
		"queue_capacity":     stats.QueueCapacity,
		"queue_depth":        stats.QueueDepth,
		"treatment_strategy": h.opts.TreatmentStrategy,
	})
}

// Predict classifies the image in the multipart field "file".
func (h *Handler) Predict(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(c, &pipeline.Error{Kind: pipeline.KindTooLarge, Detail: "request body too large", State: pipeline.StateReceived, Err: err})
			return
		}
		writeError(c, pipeline.Validation("No file provided. Use 'file' as the form field name"))
		return
	}

	if header.Size > int64(h.opts.MaxUploadBytes) {
		writeError(c, &pipeline.Error{Kind: pipeline.KindTooLarge, Detail: "image exceeds the size limit", State: pipeline.StateReceived})
		return
	}

	f, err := header.Open()
	if err != nil {
		writeError(c, pipeline.Validation("Failed to open uploaded file"))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(h.opts.MaxUploadBytes)+1))
	if err != nil {
		writeError(c, pipeline.Validation("Failed to read uploaded file"))
		return
	}

	log.WithFields(log.Fields{
		"request_id": c.GetString(requestIDKey),
		"filename":   header.Filename,
		"size":       len(data),
	}).Debug("[Predict] Received file")

	result, err := h.pipeline.Predict(c.Request.Context(), pipeline.Upload{
		Filename:    header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPredictResponse(result))
}

// Treatment answers 200 for both available and unavailable advice; only
// invalid input is an error.
func (h *Handler) Treatment(c *gin.Context) {
	var req TreatmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pipeline.Validation("Invalid JSON: "+err.Error()))
		return
	}
	if req.Confidence == nil {
		writeError(c, pipeline.Validation("confidence is required"))
		return
	}

	rec, err := h.pipeline.Treatment(c.Request.Context(), req.DiseaseName, *req.Confidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
