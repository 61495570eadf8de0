package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ayatsuji/peekd/internal/record"
	"github.com/google/uuid"
)

// upstream bundles an origin connection with its response reader. The
// connection may be raw TCP (plain forwarding) or TLS (intercepted).
type upstream struct {
	conn net.Conn
	br   *bufio.Reader
}

// handlePlain forwards one absolute-form HTTP request to its origin and
// streams the response back. Plain connections serve a single exchange.
func (s *Server) handlePlain(conn net.Conn, req *http.Request, clientAddr string) {
	hostport := req.URL.Host
	if req.URL.Port() == "" {
		hostport = net.JoinHostPort(req.URL.Hostname(), "80")
	}

	upConn, err := net.DialTimeout("tcp", hostport, s.cfg.ConnectTimeout)
	if err != nil {
		s.logger.Warn("upstream dial failed",
			"target", hostport,
			"client", clientAddr,
			"error", err,
		)
		s.syntheticExchange(conn, req, "http", hostport, clientAddr, http.StatusBadGateway, "upstream-connect", time.Now())
		return
	}
	defer func() { _ = upConn.Close() }()

	up := &upstream{conn: upConn, br: bufio.NewReader(upConn)}
	s.forwardExchange(req, up, conn, "http", hostport, clientAddr)
}

// forwardExchange forwards one request to the origin, streams the response
// back to the client, and emits an exchange record. It reports whether the
// session should close afterwards.
func (s *Server) forwardExchange(req *http.Request, up *upstream, clientW io.Writer, scheme, hostport, clientAddr string) bool {
	start := time.Now()
	reqClose := req.Close

	removeHopByHopHeaders(req.Header)

	var reqBuf *record.BodyBuffer
	if s.cfg.Records != nil && s.cfg.RequestBodyLimit != record.CaptureNone && req.Body != nil && req.Body != http.NoBody {
		reqBuf = record.NewBodyBuffer(s.cfg.RequestBodyLimit)
		req.Body = record.TeeBody(req.Body, reqBuf)
	}

	if s.cfg.ExchangeTimeout > 0 {
		_ = up.conn.SetDeadline(start.Add(s.cfg.ExchangeTimeout))
	}

	// Request.Write sends origin-form with the client's framing preserved:
	// Content-Length bodies are copied exactly, chunked bodies re-encoded
	// as chunked.
	if err := req.Write(up.conn); err != nil {
		s.logger.Warn("upstream request write failed",
			"method", req.Method,
			"target", hostport,
			"error", err,
		)
		ex := s.syntheticExchangeRecord(req, scheme, hostport, clientAddr, http.StatusBadGateway, "upstream-write", start)
		_ = writeStatus(clientW, http.StatusBadGateway, "upstream write failed", false)
		s.emit(ex, reqBuf, nil)
		return true
	}

	if s.cfg.HeaderTimeout > 0 {
		_ = up.conn.SetReadDeadline(time.Now().Add(s.cfg.HeaderTimeout))
	}

	resp, err := http.ReadResponse(up.br, req)
	if err != nil {
		code, kind := http.StatusBadGateway, "upstream-protocol"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code, kind = http.StatusGatewayTimeout, "upstream-timeout"
		}
		s.logger.Warn("upstream response read failed",
			"method", req.Method,
			"target", hostport,
			"error", err,
		)
		ex := s.syntheticExchangeRecord(req, scheme, hostport, clientAddr, code, kind, start)
		_ = writeStatus(clientW, code, http.StatusText(code), false)
		s.emit(ex, reqBuf, nil)
		return true
	}

	if s.cfg.ExchangeTimeout > 0 {
		_ = up.conn.SetReadDeadline(start.Add(s.cfg.ExchangeTimeout))
	}

	removeHopByHopHeaders(resp.Header)

	var respBuf *record.BodyBuffer
	if s.cfg.Records != nil && s.cfg.ResponseBodyLimit != record.CaptureNone && resp.Body != nil {
		respBuf = record.NewBodyBuffer(s.cfg.ResponseBodyLimit)
		resp.Body = record.TeeBody(resp.Body, respBuf)
	}

	writeErr := resp.Write(clientW)
	_ = resp.Body.Close()
	if writeErr != nil && !isClosedConnErr(writeErr) {
		s.logger.Warn("client response write failed",
			"method", req.Method,
			"target", hostport,
			"error", writeErr,
		)
	}

	ex := &record.Exchange{
		ID:         uuid.NewString(),
		Time:       start,
		ClientAddr: clientAddr,
		Method:     req.Method,
		URL:        requestURL(req, scheme, hostport),
		ReqHeader:  req.Header.Clone(),
		StatusLine: fmt.Sprintf("HTTP/%d.%d %s", resp.ProtoMajor, resp.ProtoMinor, resp.Status),
		Status:     resp.StatusCode,
		RespHeader: resp.Header.Clone(),
		Duration:   time.Since(start),
		Host:       hostport,
	}
	s.emit(ex, reqBuf, respBuf)

	if writeErr != nil {
		return true
	}
	return resp.Close || reqClose
}

// syntheticExchange answers the client with a synthetic status and records
// the failed exchange.
func (s *Server) syntheticExchange(clientW io.Writer, req *http.Request, scheme, hostport, clientAddr string, code int, kind string, start time.Time) {
	_ = writeStatus(clientW, code, http.StatusText(code), false)
	ex := s.syntheticExchangeRecord(req, scheme, hostport, clientAddr, code, kind, start)
	s.emit(ex, nil, nil)
}

// syntheticExchangeRecord builds the record for an exchange that failed
// before a real origin response existed. The response record still carries
// the synthetic status so request and response always pair up.
func (s *Server) syntheticExchangeRecord(req *http.Request, scheme, hostport, clientAddr string, code int, kind string, start time.Time) *record.Exchange {
	return &record.Exchange{
		ID:         uuid.NewString(),
		Time:       start,
		ClientAddr: clientAddr,
		Method:     req.Method,
		URL:        requestURL(req, scheme, hostport),
		ReqHeader:  req.Header.Clone(),
		StatusLine: fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code)),
		Status:     code,
		ErrKind:    kind,
		Duration:   time.Since(start),
		Host:       hostport,
	}
}

// emit finalizes body captures on the exchange, hands it to the domain log,
// and feeds the stats collector. Never blocks forwarding.
func (s *Server) emit(ex *record.Exchange, reqBuf, respBuf *record.BodyBuffer) {
	s.exchangesTotal.Add(1)

	var bytesOut, bytesIn int64
	if reqBuf != nil {
		ex.ReqBody = reqBuf.Bytes()
		ex.ReqTrunc = reqBuf.Truncated()
		bytesOut = reqBuf.Total()
	}
	if respBuf != nil {
		ex.RespBody = respBuf.Bytes()
		ex.RespTrunc = respBuf.Truncated()
		bytesIn = respBuf.Total()
	}

	if s.cfg.Records != nil {
		s.cfg.Records.Record(ex)
	}
	if s.cfg.Collector != nil {
		s.cfg.Collector.RecordExchange(clientIP(ex.ClientAddr), ex.Domain(), bytesIn, bytesOut)
	}
}

// requestURL reconstructs the full URL for the record: the absolute form
// for plain proxying, scheme://host/path for intercepted traffic.
func requestURL(req *http.Request, scheme, hostport string) string {
	if req.URL != nil && req.URL.IsAbs() {
		return req.URL.String()
	}
	host := displayHost(hostport, scheme)
	uri := ""
	if req.URL != nil {
		uri = req.URL.RequestURI()
	}
	return scheme + "://" + host + uri
}

// displayHost drops the port when it is the scheme default.
func displayHost(hostport, scheme string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return host
	}
	return hostport
}
