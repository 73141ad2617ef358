package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/logger"
)

// RequestLogger logs every incoming request with its outcome and duration.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery recovers from panics in a handler, logging and returning 500
// instead of crashing the gateway process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": "internal", "message": "an internal server error occurred"},
				})
			}
		}()
		c.Next()
	}
}

// CORS adds permissive CORS headers for the UI and CLI surfaces.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Timestamp, X-Nonce, X-Signature, X-Run-Id, X-Capability-Token")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimit is a per-IP token-bucket limiter (default 60 requests per 10s,
// per the capacity Open Question's decision in §9). health check paths are
// exempted so liveness probes never trip it.
func RateLimit(requestsPerWindow int, window time.Duration) gin.HandlerFunc {
	type bucket struct {
		tokens   float64
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)
	rate := float64(requestsPerWindow) / window.Seconds()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}

		key := c.ClientIP()
		now := time.Now()

		mu.Lock()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{tokens: float64(requestsPerWindow), lastSeen: now}
			buckets[key] = b
		}
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.lastSeen = now
		b.tokens += elapsed * rate
		if b.tokens > float64(requestsPerWindow) {
			b.tokens = float64(requestsPerWindow)
		}
		allowed := b.tokens >= 1
		if allowed {
			b.tokens--
		}
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "rate_limit_exceeded", "message": "too many requests, please try again later"},
			})
			return
		}
		c.Next()
	}
}

// ErrorHandler converts any error gin accumulated onto the context (via
// c.Error) into the uniform apierr JSON shape, for handlers that prefer to
// record an error and fall through rather than writing the response inline.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		if ae, ok := apierr.As(err); ok {
			log.Error("request error", zap.String("code", string(ae.Code)), zap.String("message", ae.Message))
			c.JSON(ae.HTTPStatus, gin.H{"error": gin.H{"code": ae.Code, "message": ae.Message}})
			return
		}
		log.Error("internal server error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "an internal server error occurred"}})
	}
}
