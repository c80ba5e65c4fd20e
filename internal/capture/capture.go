// Package capture implements body-logging mode: it splits request and
// response body streams so the bytes reach both the relay path and the log
// sink, without materializing a body before the relay may start.
package capture

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	humanize "github.com/dustin/go-humanize"
	"go.uber.org/multierr"
)

// Recorder duplicates body streams into a log sink. Entry emission is
// serialized so concurrent requests interleave whole entries, never
// fragments of one.
type Recorder struct {
	logger *slog.Logger
	mu     sync.Mutex
}

// NewRecorder creates a Recorder writing to the given logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{logger: logger.With("component", "capture")}
}

// TapRequest wraps a request body stream. Bytes pass through unchanged; a
// copy accumulates and is logged as one delimited entry once the stream is
// exhausted or closed.
func (r *Recorder) TapRequest(body io.ReadCloser, method, path string) io.ReadCloser {
	return &tap{rec: r, body: body, direction: "request", method: method, path: path}
}

// TapResponse wraps a response body stream. contentEncoding is the upstream
// Content-Encoding header value; gzip bodies are decoded for the log entry
// while the relayed bytes stay compressed.
func (r *Recorder) TapResponse(body io.ReadCloser, method, path, contentEncoding string) io.ReadCloser {
	return &tap{rec: r, body: body, direction: "response", method: method, path: path, encoding: contentEncoding}
}

// tap is a pass-through ReadCloser that copies everything it relays.
type tap struct {
	rec       *Recorder
	body      io.ReadCloser
	direction string
	method    string
	path      string
	encoding  string

	buf     bytes.Buffer
	emitted bool
}

func (t *tap) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.buf.Write(p[:n])
	}
	if err == io.EOF {
		t.emit()
	}
	return n, err
}

// Close emits whatever was captured (the reader may not have been drained,
// e.g. client disconnect mid-relay) and closes the wrapped stream.
func (t *tap) Close() error {
	t.emit()
	return t.body.Close()
}

func (t *tap) emit() {
	if t.emitted {
		return
	}
	t.emitted = true

	raw := t.buf.Bytes()
	text, decodeErr := decode(raw, t.encoding)

	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()

	if decodeErr != nil {
		t.rec.logger.Info("body captured",
			"direction", t.direction,
			"method", t.method,
			"path", t.path,
			"size", humanize.Bytes(uint64(len(raw))),
			"body_error", fmt.Sprintf("undecodable: %v", decodeErr),
		)
		return
	}

	t.rec.logger.Info("body captured",
		"direction", t.direction,
		"method", t.method,
		"path", t.path,
		"size", humanize.Bytes(uint64(len(raw))),
		"body", text,
	)
}

// decode renders captured bytes for the log entry, gunzipping when the
// upstream compressed the body.
func decode(raw []byte, encoding string) (string, error) {
	if strings.Contains(strings.ToLower(encoding), "gzip") && len(raw) > 0 {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", err
		}
		plain, readErr := io.ReadAll(zr)
		if err := multierr.Combine(readErr, zr.Close()); err != nil {
			return "", err
		}
		raw = plain
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("not valid UTF-8")
	}
	return string(raw), nil
}
