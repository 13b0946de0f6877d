package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/keybroker/internal/logger"
	"github.com/xiaopang/keybroker/internal/model"
)

// AdminAuthMiddleware gates a route group behind a single shared admin key,
// the same single-key Bearer check the teacher used for its own admin
// surface. An empty adminKey disables the check entirely.
func AdminAuthMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, model.ErrorResponse{Error: model.ErrorDetail{
				Message: "Missing Authorization header",
				Type:    "authentication_error",
				Code:    "missing_api_key",
			}})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token != adminKey {
			c.JSON(401, model.ErrorResponse{Error: model.ErrorDetail{
				Message: "Invalid API key",
				Type:    "authentication_error",
				Code:    "invalid_api_key",
			}})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CORSMiddleware allows any origin, matching the teacher's permissive
// public-API stance.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware converts a panic into a 500 JSON error instead of
// crashing the handler goroutine.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", c.Request.URL.Path)
				c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{
					Message: "Internal server error",
					Type:    "internal_error",
				}})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware logs one structured line per request.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"method", c.Request.Method,
			"path", path,
		)
	}
}

// SetupRouter wires every route of spec.md §6's HTTP surface.
func SetupRouter(h *KeyHandler, adminKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/key/available", h.GetAvailable)
	r.GET("/key/available/queued", h.GetAvailableQueued)
	r.GET("/status", h.GetStatus)
	r.GET("/limits", h.GetLimits)
	r.GET("/health", h.GetHealth)

	admin := r.Group("/")
	admin.Use(AdminAuthMiddleware(adminKey))
	{
		admin.POST("/keys", h.PostKeys)
		admin.DELETE("/keys/:id", h.DeleteKey)
	}

	return r
}
