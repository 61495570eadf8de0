/*
Package record captures forwarded request/response exchanges and writes
them to per-domain log files.

Bodies are captured through capped tee buffers as they stream: the cap
bounds what is remembered for the log, never what is forwarded. Records
are handed to a background writer over a bounded queue; when the queue is
full the record is dropped and a counter incremented, so a slow log sink
never stalls forwarding.
*/
package record

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"time"
)

// Body-size policy values, mirroring the config encoding.
const (
	// CaptureFull records the complete body.
	CaptureFull = -1
	// CaptureNone disables body recording for a direction.
	CaptureNone = 0
)

// Exchange is one logged request/response pair.
type Exchange struct {
	ID         string
	Time       time.Time
	ClientAddr string
	Method     string
	URL        string // full URL; scheme https for intercepted traffic, http for plain
	ReqHeader  http.Header
	ReqBody    []byte
	ReqTrunc   bool
	StatusLine string // e.g. "HTTP/1.1 200 OK"; synthetic on upstream failure
	Status     int
	RespHeader http.Header
	RespBody   []byte
	RespTrunc  bool
	Duration   time.Duration
	// ErrKind annotates exchanges completed with a synthetic status
	// (e.g. "upstream-connect", "upstream-timeout", "upstream-protocol").
	ErrKind string
	// Host is the origin host:port; the log file domain is derived from it.
	Host string
}

// Domain returns the host without its port, used for log file naming.
func (e *Exchange) Domain() string {
	host := e.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return host
}

// BodyBuffer accumulates streamed body bytes up to a configured cap.
// Writes never fail and always report full length, so a BodyBuffer can sit
// on the forwarding path without affecting it.
type BodyBuffer struct {
	limit int // CaptureFull, CaptureNone, or a positive byte cap
	buf   bytes.Buffer
	total int64
}

// NewBodyBuffer creates a capture buffer with the given body-size policy.
func NewBodyBuffer(limit int) *BodyBuffer {
	return &BodyBuffer{limit: limit}
}

// Write appends to the buffer up to the cap; excess bytes are counted but
// not stored.
func (b *BodyBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	switch {
	case b.limit == CaptureNone:
	case b.limit == CaptureFull:
		_, _ = b.buf.Write(p)
	default:
		remaining := b.limit - b.buf.Len()
		if remaining > 0 {
			chunk := p
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			_, _ = b.buf.Write(chunk)
		}
	}
	return len(p), nil
}

// Bytes returns the captured contents.
func (b *BodyBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Truncated reports whether bytes beyond the cap streamed through.
func (b *BodyBuffer) Truncated() bool {
	return b.limit > 0 && b.total > int64(b.limit)
}

// Total returns the number of body bytes that streamed through, captured
// or not.
func (b *BodyBuffer) Total() int64 {
	return b.total
}

// TeeBody wraps a body reader so that everything read from it is also
// written into buf. A nil buf returns rc unchanged.
func TeeBody(rc io.ReadCloser, buf *BodyBuffer) io.ReadCloser {
	if buf == nil || rc == nil {
		return rc
	}
	return &teeReadCloser{source: rc, buf: buf}
}

type teeReadCloser struct {
	source io.ReadCloser
	buf    *BodyBuffer
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.source.Read(p)
	if n > 0 {
		_, _ = t.buf.Write(p[:n])
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	return t.source.Close()
}
