package status

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/lopper/internal/logger"
	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/version"
)

// Server exposes a Tracker and the run's metrics.
type Server struct {
	tracker *Tracker
	metrics *metrics.Metrics
}

func NewServer(t *Tracker, m *metrics.Metrics) *Server {
	return &Server{tracker: t, metrics: m}
}

// Register mounts the status routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/progress", s.handleProgress)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

// Echo returns a configured router with every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(c *echo.Context) error {
	snap := s.tracker.Snapshot()
	status := "ok"
	if snap.Phase == PhaseFailed {
		status = "failed"
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:  status,
		Version: version.String(),
		Uptime:  time.Since(snap.Started).Round(time.Second).String(),
	})
}

func (s *Server) handleProgress(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.Snapshot())
}

// Start serves until ctx is cancelled. Errors are logged, never returned,
// so a status endpoint failure does not abort the job.
func (s *Server) Start(ctx context.Context, addr string) {
	log := logger.FromContext(ctx)
	e := s.Echo()
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	go func() {
		log.Info("status server listening", "address", addr)
		if err := sc.Start(ctx, e); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", "error", err)
		}
	}()
}
