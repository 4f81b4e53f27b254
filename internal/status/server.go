package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"koebot/internal/voice"
)

// Server exposes operational state over HTTP: health, per-guild voice
// session snapshots and Prometheus metrics.
type Server struct {
	sessions *voice.Registry
	logger   *zap.Logger
	started  time.Time
	srv      *http.Server
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, sessions *voice.Registry, production bool, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		logger:   logger,
		started:  time.Now(),
	}

	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) handleStatus(c *gin.Context) {
	sessions := s.sessions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"session_count":  len(sessions),
		"sessions":       sessions,
	})
}

// Run serves until the listener fails or Shutdown is called. A closed
// server returns nil.
func (s *Server) Run() error {
	s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
