// Package health serves liveness and readiness endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Checker reports whether a dependency is reachable
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

// Ping calls f
func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server exposes /healthz and /readyz
type Server struct {
	engine   *gin.Engine
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer creates the health server. Each checker is probed on /readyz.
func NewServer(checkers map[string]Checker, timeout time.Duration, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		checkers: checkers,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/healthz", s.live)
	s.engine.GET("/readyz", s.ready)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	status := http.StatusOK
	body := gin.H{
		"status": "ready",
		"time":   s.now().Format(time.RFC3339),
	}
	for name, checker := range s.checkers {
		if err := checker.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			body[name] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}
	c.JSON(status, body)
}

// RegisterLifecycle serves on port while the fx app runs
func (s *Server) RegisterLifecycle(lc fx.Lifecycle, port int) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("[HEALTH] cannot listen on %s: %w", srv.Addr, err)
			}
			go func() {
				s.logger.Info("health server starting", zap.String("addr", srv.Addr))
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("health server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
