package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Anything
// outside the forwarding prefix and the reserved operational routes gets a
// plain-text 404; the connection stays open for keep-alive clients.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(cfg.Route.PathPrefix+"*", proxy.Handle)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.String(http.StatusNotFound, "not found\n")
	})
}
