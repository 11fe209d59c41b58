package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxloop/internal/domain"
	"voxloop/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// StatusFunc reports the current runtime status.
type StatusFunc func() domain.RuntimeStatus

// Server serves /healthz, /status and /metrics.
type Server struct {
	addr string
	echo *echo.Echo
	log  *slog.Logger
}

// NewServer builds the status server. gatherer may be nil, in which case
// /metrics is not routed.
func NewServer(addr string, gatherer prometheus.Gatherer, status StatusFunc) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if status != nil && status().State == domain.ConversationStateStopped {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/status", func(c echo.Context) error {
		if status == nil {
			return echo.NewHTTPError(http.StatusNotFound, "status unavailable")
		}
		return c.JSON(http.StatusOK, status())
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		addr: strings.TrimSpace(addr),
		echo: e,
		log:  logger.With("component", "status-server"),
	}
}

// Enabled reports whether a listen address is configured.
func (s *Server) Enabled() bool { return s.addr != "" }

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled. It returns nil immediately when the
// server is disabled.
func (s *Server) Run(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	errs := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.addr)
		errs <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
