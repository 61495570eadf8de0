package proxy

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Request parsing tests ---

func TestReadRequest(t *testing.T) {
	raw := "GET http://example.com/path?q=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.True(t, req.URL.IsAbs())
	assert.Equal(t, "http://example.com/path?q=1", req.URL.String())
	assert.Equal(t, "*/*", req.Header.Get("Accept"))
}

func TestReadRequest_WithBody(t *testing.T) {
	raw := "POST http://example.com/submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadRequest_Connect(t *testing.T) {
	raw := "CONNECT api.test:443 HTTP/1.1\r\nHost: api.test:443\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "api.test:443", req.Host)
}

func TestReadRequest_Malformed(t *testing.T) {
	raw := "NOT A REQUEST AT ALL\r\n\r\n"
	_, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errProtocol))
}

func TestReadRequest_RequestLineTooLong(t *testing.T) {
	raw := "GET /" + strings.Repeat("a", maxRequestLine) + " HTTP/1.1\r\n\r\n"
	_, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errProtocol))
}

func TestReadRequest_HeaderBlockTooLarge(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n")
	for i := 0; sb.Len() < maxHeaderBytes+1024; i++ {
		sb.WriteString("X-Filler: ")
		sb.WriteString(strings.Repeat("y", 1000))
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")

	_, err := readRequest(bufio.NewReader(strings.NewReader(sb.String())))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errProtocol))
}

func TestReadRequest_EOFOnIdle(t *testing.T) {
	_, err := readRequest(bufio.NewReader(strings.NewReader("")))
	require.Error(t, err)
	assert.False(t, errors.Is(err, errProtocol), "clean EOF is not a protocol error")
}

// --- Header handling tests ---

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom-Hop", "per-connection")
	h.Set("Content-Type", "text/plain")
	h.Set("Host", "example.com")

	removeHopByHopHeaders(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Empty(t, h.Get("Proxy-Authorization"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Empty(t, h.Get("Upgrade"))
	assert.Empty(t, h.Get("X-Custom-Hop"), "headers named in Connection are stripped too")
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	assert.Equal(t, "example.com", h.Get("Host"))
}

// --- URL reconstruction tests ---

func TestDisplayHost(t *testing.T) {
	assert.Equal(t, "api.test", displayHost("api.test:443", "https"))
	assert.Equal(t, "api.test:8443", displayHost("api.test:8443", "https"))
	assert.Equal(t, "api.test", displayHost("api.test:80", "http"))
	assert.Equal(t, "api.test:443", displayHost("api.test:443", "http"))
}

func TestRequestURL(t *testing.T) {
	raw := "GET /v1/ping?x=1 HTTP/1.1\r\nHost: api.test\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	assert.Equal(t, "https://api.test/v1/ping?x=1", requestURL(req, "https", "api.test:443"))
	assert.Equal(t, "https://api.test:8443/v1/ping?x=1", requestURL(req, "https", "api.test:8443"))

	abs := "GET http://httpbin.local/get HTTP/1.1\r\nHost: httpbin.local\r\n\r\n"
	absReq, err := readRequest(bufio.NewReader(strings.NewReader(abs)))
	require.NoError(t, err)
	assert.Equal(t, "http://httpbin.local/get", requestURL(absReq, "http", "httpbin.local:80"))
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1:54321"))
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1"))
}
