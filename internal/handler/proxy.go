package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
)

// ProxyHandler forwards routed requests to the upstream OpenAI API.
type ProxyHandler struct {
	service *service.ForwardService
	prefix  string
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ForwardService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		prefix:  cfg.Route.PathPrefix,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle strips the route prefix, forwards the request upstream and streams
// the response back to the client.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     stripPrefix(req.URL.Path, h.prefix),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Relay the upstream body chunk by chunk, flushing after every write so
	// incrementally streamed completions reach the client as they arrive
	// instead of after the upstream finishes. If the copy fails mid-stream
	// (client disconnect, network error), the status line has already been
	// sent; the client sees a truncated body. Closing the request context
	// tears down the upstream connection rather than draining it.
	if _, err := io.Copy(&flushWriter{dst: c.Response()}, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// stripPrefix removes the route prefix, keeping the leading slash:
// /openai/v1/chat/completions -> /v1/chat/completions.
func stripPrefix(path, prefix string) string {
	return "/" + strings.TrimPrefix(path, prefix)
}

// flushWriter forces a flush after every chunk written to the client.
type flushWriter struct {
	dst *echo.Response
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.dst.Flush()
	}
	return n, err
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
