// Package service implements the core request-forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"openai-proxy-go/internal/capture"
	"openai-proxy-go/internal/client"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.openai.com": true,
}

// hopByHopHeaders are connection-management headers that must not cross the
// proxy on either leg; the transport regenerates its own.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardService rewrites routed requests to the upstream origin and relays
// the response. All end-to-end headers pass through verbatim, Authorization
// included; only the target host/path change on the way out.
type ForwardService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	logger   *slog.Logger
	recorder *capture.Recorder // nil unless body-logging mode is on
	baseURL  *url.URL
}

// NewForwardService creates a ForwardService. The recorder is optional; pass
// nil to relay bodies without capturing them.
func NewForwardService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, rec *capture.Recorder) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &ForwardService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "forward_service"),
		recorder: rec,
		baseURL:  u,
	}, nil
}

// NewForwardServiceForTest creates a ForwardService without host allowlist
// validation. This is intended only for tests that use httptest servers on
// localhost.
func NewForwardServiceForTest(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, rec *capture.Recorder) (*ForwardService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ForwardService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "forward_service"),
		recorder: rec,
		baseURL:  u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream API and returns the response.
// The caller is responsible for closing the response body; the body is a live
// stream from the upstream connection, so relay may begin before the upstream
// has finished sending.
func (s *ForwardService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := relayableHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	body := pr.Body
	if s.recorder != nil && body != nil {
		body = s.recorder.TapRequest(body, pr.Method, pr.Path)
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if s.recorder != nil {
		resp.Body = s.recorder.TapResponse(resp.Body, pr.Method, pr.Path, resp.Header.Get("Content-Encoding"))
	}

	resp.Header = relayableHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the prefix-stripped path and the original raw query
// onto the upstream origin.
func (s *ForwardService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

// relayableHeaders copies all headers except hop-by-hop ones. Any header
// named by a Connection token is hop-by-hop too (RFC 7230 §6.1). The same
// filter serves both legs: the relay is symmetric.
func relayableHeaders(src http.Header) http.Header {
	dropped := make(map[string]bool, len(hopByHopHeaders))
	for _, key := range hopByHopHeaders {
		dropped[http.CanonicalHeaderKey(key)] = true
	}
	for _, conn := range src.Values("Connection") {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dropped[http.CanonicalHeaderKey(token)] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		if dropped[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}
