package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/cropguard-api/internal/auth"
	"github.com/Brownie44l1/cropguard-api/internal/pipeline"
	"github.com/Brownie44l1/cropguard-api/internal/reporting"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	clientKey       = "client"
)

// RequestID assigns every request an id, echoed in X-Request-ID and carried
// on the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(pipeline.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": c.GetString(requestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("[HTTP] Request failed")
			return
		}
		entry.Info("[HTTP] Request handled")
	}
}

// CORS allows browser clients from any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// BodyLimit caps the request body. The multipart envelope gets some slack on
// top of the image limit.
func BodyLimit(maxBytes int) gin.HandlerFunc {
	limit := int64(maxBytes) + 1<<20
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// Auth requires a valid bearer token. A nil manager disables the check.
func Auth(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtManager == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			detail := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				detail = "token has expired"
			}
			unauthorized(c, detail)
			return
		}

		c.Set(clientKey, claims.Client)
		c.Next()
	}
}

func unauthorized(c *gin.Context, detail string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Detail: detail,
		Kind:   pipeline.KindUnauthorized,
	})
}

// Recovery turns a handler panic into an internal_error response and reports it.
func Recovery(reporter reporting.Reporter) gin.HandlerFunc {
	if reporter == nil {
		reporter = reporting.Noop{}
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		err := fmt.Errorf("panic: %v", recovered)
		log.WithError(err).WithField("request_id", c.GetString(requestIDKey)).Error("[HTTP] Recovered from panic")
		reporter.CaptureRequest(err, c.Request, map[string]string{
			"request_id": c.GetString(requestIDKey),
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Detail: "internal server error",
			Kind:   pipeline.KindInternal,
		})
	})
}
