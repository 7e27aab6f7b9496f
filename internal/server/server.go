// Package server exposes the loader and the replay gateway over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/replay"
	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/resource/remote"
	"github.com/mohammad-safakhou/timegate/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

// LoaderOptions wires the resource loader service.
type LoaderOptions struct {
	Store  resource.Store
	Index  cdx.Index
	Config config.LoaderConfig
	Logger *log.Logger
}

// NewLoader builds the loader: GET /resource/... behind optional JWT auth.
func NewLoader(o LoaderOptions) *echo.Echo {
	e := newEcho(o.Logger, o.Config.RuntimeErrorHeader)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	if o.Config.LogTraffic {
		e.Use(trafficLogger(o.Logger))
	}
	if o.Config.CORSOrigins != "" {
		origins := regexp.MustCompile(o.Config.CORSOrigins)
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOriginFunc: func(origin string) (bool, error) { return origins.MatchString(origin), nil },
			AllowMethods:    []string{http.MethodGet, http.MethodHead},
			AllowHeaders:    []string{echo.HeaderAuthorization, "If-None-Match", "Prefer"},
			ExposeHeaders:   []string{"ETag", "Link", "Preference-Applied", remote.HeaderOrderHeader},
		}))
	}

	g := e.Group("/resource")
	if o.Config.JWTSecret != "" {
		g.Use(runtime.EchoAuthMiddleware([]byte(o.Config.JWTSecret), o.Config.CookieAuthToken))
	}
	h := &LoaderHandler{Store: o.Store, Index: o.Index, Logger: o.Logger}
	h.Register(g)
	return e
}

// GatewayOptions wires the replay gateway.
type GatewayOptions struct {
	Engine     Resolver
	Index      cdx.Index
	Exclusions replay.Exclusions
	Config     config.ServerConfig
	Logger     *log.Logger
}

// NewGateway builds the replay gateway with its timemap, timegate and
// static routes.
func NewGateway(o GatewayOptions) *echo.Echo {
	e := newEcho(o.Logger, o.Config.RuntimeErrorHeader)
	h := &GatewayHandler{
		Engine:     o.Engine,
		Index:      o.Index,
		Exclusions: o.Exclusions,
		Links: replay.MementoLinks{
			Replay:   o.Config.ReplayPrefix,
			Timemap:  o.Config.TimemapPrefix,
			Timegate: o.Config.TimegatePrefix,
		},
		SourceHeader: o.Config.ArchiveSourceHeader,
		Logger:       o.Logger,
	}
	h.Register(e)

	if o.Config.StaticDir != "" {
		static := e.Group("/static", noNegotiate)
		static.Static("/", o.Config.StaticDir)
	}
	return e
}

func newEcho(logger *log.Logger, runtimeHeader string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(logger, runtimeHeader)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

func trafficLogger(logger *log.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("traffic", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency, "remote", v.RemoteIP, "request_id", v.RequestID)
			return nil
		},
	})
}

// Serve runs e on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
