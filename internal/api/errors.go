package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/transcript"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, transcript.ErrLateSegment):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrClosed):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func fail(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}

func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			} else {
				msg = http.StatusText(code)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
		}
		if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
			logger.Warn().Err(err).Msg("failed to write error response")
		}
	}
}
