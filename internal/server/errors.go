package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/timegate/internal/replay"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// statusFor maps a failure to the HTTP status it is reported with.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, replay.ErrBadQuery), errors.Is(err, resource.ErrBadReference):
		return http.StatusBadRequest
	case errors.Is(err, replay.ErrAccessBlocked):
		return http.StatusForbidden
	case errors.Is(err, replay.ErrNotInArchive), errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrResourceNotAvailable), errors.Is(err, replay.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, replay.ErrAllBackendsFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorHandler is the unified echo error handler. Bodies are plain text and
// name only the failure kind; the detailed message goes to the log and,
// when runtimeHeader is set, to that response header.
func errorHandler(logger *log.Logger, runtimeHeader string) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := statusFor(err)
		var msg string
		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg = fmt.Sprint(he.Message)
		} else {
			msg = fmt.Sprintf("%s: %s", replay.KindName(err), http.StatusText(code))
			if runtimeHeader != "" {
				c.Response().Header().Set(runtimeHeader, replay.RuntimeErrorHeader(err))
			}
		}

		req := c.Request()
		switch {
		case code >= 500:
			logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "status", code, "err", err)
		case code == http.StatusNotFound || code == http.StatusForbidden:
			logger.Info("request refused", "method", req.Method, "path", req.URL.Path, "status", code, "err", err)
		default:
			logger.Debug("request rejected", "method", req.Method, "path", req.URL.Path, "status", code, "err", err)
		}

		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.String(code, msg)
	}
}
