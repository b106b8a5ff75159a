package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/monitor"
	"github.com/jonesrussell/adwatch/internal/notify"
	"github.com/jonesrussell/adwatch/internal/registry"
	"github.com/jonesrussell/adwatch/internal/rotation"
)

// MonitorControl is the slice of a platform monitor the API drives.
type MonitorControl interface {
	Start(ctx context.Context)
	Stop()
	IsRunning() bool
	GetMetrics() monitor.Metrics
}

// URLRegistry is the slice of the registry the API drives.
type URLRegistry interface {
	Register(ctx context.Context, m domain.MonitoredURL) (bool, error)
	Unregister(ctx context.Context, taskID string) bool
	Get(taskID string) (domain.MonitoredURL, bool)
	List() []domain.MonitoredURL
	Pause(ctx context.Context, taskID string) bool
	Resume(ctx context.Context, taskID string) bool
	GetMetrics() registry.Metrics
}

// ProxyControl is the slice of the rotation coordinator the API drives.
type ProxyControl interface {
	GetStatus() rotation.Status
	ResetFailed(creds *domain.ProxyCredentials)
}

// QueueStats exposes delivery queue counters.
type QueueStats interface {
	GetMetrics() notify.Metrics
}

// Deps bundles everything the handlers need.
type Deps struct {
	Monitors  map[domain.Platform]MonitorControl
	Registry  URLRegistry
	Proxy     ProxyControl
	Queue     QueueStats
	StartedAt time.Time
}

// registerRequest is the POST /urls payload.
type registerRequest struct {
	URL      string               `json:"url" binding:"required"`
	Platform string               `json:"platform" binding:"required"`
	UserID   int64                `json:"user_id" binding:"required"`
	Filter   domain.FilterConfig  `json:"filter"`
	Channel  domain.ChannelConfig `json:"channel" binding:"required"`
}

// SetupRouter builds the gin router with all routes.
func SetupRouter(deps Deps, log logger.Interface) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		status := deps.Proxy.GetStatus()
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime":     time.Since(deps.StartedAt).Round(time.Second).String(),
			"proxy":      status,
			"registered": deps.Registry.GetMetrics().TotalMonitored,
		})
	})

	v1 := router.Group("/api/v1")

	v1.GET("/monitors", func(c *gin.Context) {
		out := make(map[string]monitor.Metrics, len(deps.Monitors))
		for platform, m := range deps.Monitors {
			out[platform.String()] = m.GetMetrics()
		}
		c.JSON(http.StatusOK, out)
	})

	v1.POST("/monitors/:platform/start", func(c *gin.Context) {
		m, ok := monitorFor(deps, c)
		if !ok {
			return
		}
		m.Start(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"running": m.IsRunning()})
	})

	v1.POST("/monitors/:platform/stop", func(c *gin.Context) {
		m, ok := monitorFor(deps, c)
		if !ok {
			return
		}
		m.Stop()
		c.JSON(http.StatusOK, gin.H{"running": m.IsRunning()})
	})

	v1.GET("/urls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"urls":    deps.Registry.List(),
			"metrics": deps.Registry.GetMetrics(),
		})
	})

	v1.POST("/urls", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		platform, ok := domain.ParsePlatform(req.Platform)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
			return
		}

		m := domain.MonitoredURL{
			TaskID:   uuid.NewString(),
			URL:      req.URL,
			Platform: platform,
			UserID:   req.UserID,
			Filter:   req.Filter,
			Channel:  req.Channel,
		}
		created, err := deps.Registry.Register(c.Request.Context(), m)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !created {
			c.JSON(http.StatusConflict, gin.H{"error": "task already registered"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"task_id": m.TaskID})
	})

	v1.GET("/urls/:task_id", func(c *gin.Context) {
		m, ok := deps.Registry.Get(c.Param("task_id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		c.JSON(http.StatusOK, m)
	})

	v1.DELETE("/urls/:task_id", func(c *gin.Context) {
		if !deps.Registry.Unregister(c.Request.Context(), c.Param("task_id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	v1.POST("/urls/:task_id/pause", func(c *gin.Context) {
		if !deps.Registry.Pause(c.Request.Context(), c.Param("task_id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "paused"})
	})

	v1.POST("/urls/:task_id/resume", func(c *gin.Context) {
		if !deps.Registry.Resume(c.Request.Context(), c.Param("task_id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "active"})
	})

	v1.GET("/proxy", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Proxy.GetStatus())
	})

	v1.POST("/proxy/reset", func(c *gin.Context) {
		var creds domain.ProxyCredentials
		if err := c.ShouldBindJSON(&creds); err == nil && creds.Configured() {
			deps.Proxy.ResetFailed(&creds)
		} else {
			deps.Proxy.ResetFailed(nil)
		}
		c.JSON(http.StatusOK, deps.Proxy.GetStatus())
	})

	v1.GET("/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Queue.GetMetrics())
	})

	return router
}

func monitorFor(deps Deps, c *gin.Context) (MonitorControl, bool) {
	platform, ok := domain.ParsePlatform(c.Param("platform"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
		return nil, false
	}
	m, exists := deps.Monitors[platform]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitor not configured"})
		return nil, false
	}
	return m, true
}

// loggingMiddleware logs each request with latency and status.
func loggingMiddleware(log logger.Interface) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}
