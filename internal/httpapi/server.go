// Package httpapi serves a small local control surface for the voice session.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"livevoice/internal/domain"
	"livevoice/internal/usecase"
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Toggle(ctx context.Context) error
	Status() domain.Snapshot
}

// RequestRecorder counts handled requests.
type RequestRecorder interface {
	HTTPRequest(method, path string, code int)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Server struct {
	echo       *echo.Echo
	controller Controller
	logger     *zap.Logger
}

// New builds the API. gatherer backs GET /metrics and may be nil.
func New(controller Controller, gatherer prometheus.Gatherer, recorder RequestRecorder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if recorder != nil {
		e.Use(recordRequests(recorder))
	}

	s := &Server{echo: e, controller: controller, logger: logger}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/status", s.status)

	session := e.Group("/session")
	session.POST("/start", s.command(controller.Start))
	session.POST("/stop", s.command(controller.Stop))
	session.POST("/toggle", s.command(controller.Toggle))

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler exposes the routes for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) command(run func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := run(c.Request().Context()); err != nil {
			s.logger.Warn("session command failed", zap.String("path", c.Path()), zap.Error(err))
			code, body := errorResponse(err)
			return c.JSON(code, body)
		}
		return c.JSON(http.StatusOK, s.controller.Status())
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, usecase.ErrSessionStopped):
		return http.StatusConflict, ErrorResponse{Error: "stopped", Message: err.Error()}
	case errors.Is(err, usecase.ErrControllerClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, ErrorResponse{Error: "cancelled", Message: err.Error()}
	}

	derr := domain.AsError(err, domain.ErrorCodeStartup)
	status := http.StatusBadGateway
	switch derr.Kind() {
	case domain.KindConfiguration:
		status = http.StatusPreconditionFailed
	case domain.KindDevice:
		status = http.StatusConflict
	case domain.KindInternal:
		status = http.StatusInternalServerError
	}
	return status, ErrorResponse{Error: string(derr.Code), Message: derr.Message, Detail: derr.Detail}
}

func recordRequests(recorder RequestRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			code := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			recorder.HTTPRequest(c.Request().Method, path, code)
			return err
		}
	}
}
