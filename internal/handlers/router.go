package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/cropguard-api/internal/auth"
	"github.com/Brownie44l1/cropguard-api/internal/reporting"
)

type RouterOptions struct {
	// JWT protects /predict and /treatment when non-nil.
	JWT      *auth.JWTManager
	Reporter reporting.Reporter
}

// NewRouter mounts the API. Root, /health and /classes stay public.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = int64(h.opts.MaxUploadBytes)
	r.Use(Recovery(opts.Reporter), RequestID(), Logger(), CORS())

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/classes", h.Classes)

	api := r.Group("/", Auth(opts.JWT), BodyLimit(h.opts.MaxUploadBytes))
	api.POST("/predict", h.Predict)
	api.POST("/treatment", h.Treatment)

	return r
}
