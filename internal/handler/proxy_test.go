package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/client"
	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:                      upstreamURL,
			ConnectTimeoutSeconds:        5,
			ResponseHeaderTimeoutSeconds: 30,
			IdleConnections:              10,
		},
		Route: config.RouteConfig{PathPrefix: "/openai/"},
	}
}

func newTestHandler(t *testing.T, upstreamURL string) *ProxyHandler {
	t.Helper()
	cfg := testConfig(upstreamURL)
	logger := discardLogger()
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := service.NewForwardServiceForTest(uc, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewForwardServiceForTest: %v", err)
	}
	return NewProxyHandler(svc, cfg, logger)
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/openai/v1/chat/completions", "/v1/chat/completions"},
		{"/openai/v1/models", "/v1/models"},
		{"/openai/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := stripPrefix(tt.path, "/openai/"); got != tt.want {
				t.Errorf("stripPrefix(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestProxyHandler_Handle_StripsPrefixAndRelays(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("upstream path = %q, want prefix stripped", r.URL.Path)
		}
		if r.URL.RawQuery != "dry_run=1" {
			t.Errorf("upstream query = %q, want %q", r.URL.RawQuery, "dry_run=1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/chat/completions?dry_run=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["result"] != "ok" {
		t.Errorf("body.result = %q, want %q", body["result"], "ok")
	}
}

func TestProxyHandler_Handle_POSTBodyRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/completions", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"prompt":"hi"}` {
		t.Errorf("body = %q, want byte-identical echo", rec.Body.String())
	}
}

func TestProxyHandler_Handle_UpstreamStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_exceeded"}}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want upstream's %d relayed untouched", rec.Code, http.StatusTooManyRequests)
	}
}

func TestProxyHandler_Handle_UpstreamRefused(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in 502 response")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestProxyHandler_StreamsBeforeUpstreamCompletes(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, "data: second\n\n")
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	e.Any("/openai/*", h.Handle)
	front := httptest.NewServer(e)
	defer front.Close()

	resp, err := http.Get(front.URL + "/openai/v1/chat/completions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The first chunk must reach the client while the upstream is still
	// blocked on the second: no whole-body buffering.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}
	if !strings.Contains(line, "first") {
		t.Errorf("first line = %q, want first chunk", line)
	}

	close(release)

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading remainder: %v", err)
	}
	if !strings.Contains(string(rest), "second") {
		t.Errorf("remainder = %q, want second chunk", rest)
	}
}

func TestProxyHandler_ConnectionUsableAfter502(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1")

	e := echo.New()
	e.Any("/openai/*", h.Handle)
	front := httptest.NewServer(e)
	defer front.Close()

	// A keep-alive client reusing one connection must get well-formed
	// responses for consecutive requests even when the upstream is down.
	httpClient := front.Client()
	for i := 0; i < 3; i++ {
		resp, err := httpClient.Get(front.URL + "/openai/v1/models")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("request %d: status = %d, want %d", i, resp.StatusCode, http.StatusBadGateway)
		}
		if len(body) == 0 {
			t.Errorf("request %d: empty body, want JSON error", i)
		}
	}
}

func TestProxyHandler_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	e.Any("/openai/*", h.Handle)
	front := httptest.NewServer(e)
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, front.URL+"/openai/v1/chat/completions", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}

	// Drop the client; the proxy must abandon the upstream connection
	// instead of draining it.
	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not torn down after client disconnect")
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "api.openai.com"}
	wrapped := fmt.Errorf("forward to upstream: %w", dnsErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream host unreachable" {
		t.Errorf("error = %q, want %q", body["error"], "upstream host unreachable")
	}
}

func TestProxyHandler_mapError_Timeout(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	wrapped := fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestProxyHandler_mapError_URLError(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/openai/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	urlErr := &url.Error{Op: "Get", URL: "https://api.openai.com/v1/models", Err: fmt.Errorf("connection refused")}
	wrapped := fmt.Errorf("forward to upstream: %w", urlErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream connection failed" {
		t.Errorf("error = %q, want %q", body["error"], "upstream connection failed")
	}
}
