// Package api exposes a meeting session over HTTP: the transcript feed, the
// task board, retrieval queries, advisories and teardown.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/meetwise/internal/session"
)

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	port    int
	session *session.Session
	logger  zerolog.Logger
}

// NewServer creates a new API server for one session
func NewServer(port int, s *session.Session, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.HTTPErrorHandler = errorHandler(logger)

	server := &Server{
		echo:    e,
		port:    port,
		session: s,
		logger:  logger,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		status := "healthy"
		if s.session.Ended() {
			status = "ended"
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  status,
			"session": s.session.ID(),
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	v1.GET("/brief", s.getBrief)
	v1.POST("/segments", s.admitSegment)
	v1.GET("/transcript", s.getTranscript)

	v1.GET("/tasks", s.listTasks)
	v1.POST("/tasks", s.createTask)
	v1.GET("/tasks/:id", s.getTask)
	v1.GET("/tasks/:id/events", s.getTaskEvents)
	v1.POST("/tasks/:id/move", s.moveTask)
	v1.POST("/tasks/:id/board", s.moveCard)
	v1.POST("/tasks/:id/approve", s.approveTask)
	v1.POST("/tasks/:id/reject", s.rejectTask)
	v1.GET("/dispatch/:key", s.getDispatch)

	v1.POST("/query", s.query)
	v1.POST("/documents", s.uploadDocument)
	v1.GET("/advisories", s.getAdvisories)
	v1.POST("/session/end", s.endSession)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("api listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
