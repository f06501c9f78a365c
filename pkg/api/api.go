// Package api serves stored insights over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/wellness/pkg/errmodel"
	"github.com/wilhg/wellness/pkg/store"
)

const notFoundDetail = "No wellness results found"

// Handler answers read requests against the result table.
type Handler struct {
	results store.ResultReader
	log     zerolog.Logger
}

func NewHandler(results store.ResultReader, log zerolog.Logger) *Handler {
	return &Handler{results: results, log: log.With().Str("component", "api").Logger()}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/wellness", h.Latest)
	e.GET("/wellness/sessions/:session_id", h.LatestForSession)
	e.GET("/healthz", h.Health)
}

// Latest returns the most recently inserted insight.
// GET /wellness
func (h *Handler) Latest(c echo.Context) error {
	r, ok, err := h.results.Latest(c.Request().Context())
	if err != nil {
		return errmodel.Persist(errmodel.CodePersistFailure, "read latest result", nil, err)
	}
	if !ok {
		return errmodel.NotFound(notFoundDetail)
	}
	return c.JSON(http.StatusOK, map[string]string{"wellness": r.Text})
}

// LatestForSession returns the newest insight for one session.
// GET /wellness/sessions/:session_id
func (h *Handler) LatestForSession(c echo.Context) error {
	id := c.Param("session_id")
	if id == "" {
		return errmodel.Validation("missing_session_id", "session_id is required", nil)
	}
	r, ok, err := h.results.LatestForSession(c.Request().Context(), id)
	if err != nil {
		return errmodel.Persist(errmodel.CodePersistFailure, "read session result", map[string]any{"session_id": id}, err)
	}
	if !ok {
		return errmodel.NotFound(notFoundDetail)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":   r.SessionID,
		"wellness":     r.Text,
		"watermark_ms": r.Watermark.UnixMilli(),
		"inserted_ms":  r.InsertedAt.UnixMilli(),
	})
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// NewServer builds the echo instance. mcp, when non-nil, is mounted at /mcp.
func NewServer(h *Handler, mcp http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	h.RegisterRoutes(e)
	if mcp != nil {
		e.Any("/mcp", echo.WrapHandler(mcp))
	}
	return e
}

// Instrument wraps the router with an OTel server span per request.
func Instrument(e *echo.Echo) http.Handler {
	return otelhttp.NewHandler(e, "wellness-api")
}

func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, map[string]string{"detail": msg})
		return
	}
	ce := errmodel.From(err)
	if errmodel.HTTPStatus(ce) >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("category", ce.Category).Str("code", ce.Code).Str("uri", c.Request().RequestURI).Msg("request failed")
	}
	errmodel.WriteHTTP(c.Response(), c.Request(), err)
}
