package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// handleConn runs the per-connection state machine: read the first
// request, then dispatch to plain forwarding, CONNECT handling, or the
// management endpoints.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	br := bufio.NewReaderSize(conn, 4<<10)

	req, err := readRequest(br)
	if err != nil {
		if errors.Is(err, errProtocol) {
			s.logger.Warn("malformed client request",
				"client", clientAddr,
				"error", err,
			)
			_ = writeStatus(conn, http.StatusBadRequest, "bad request", false)
		}
		return
	}

	switch {
	case req.Method == http.MethodConnect:
		s.handleConnect(ctx, conn, br, req, clientAddr)
	case req.URL != nil && req.URL.IsAbs():
		s.handlePlain(conn, req, clientAddr)
	case req.URL != nil && strings.HasPrefix(req.URL.Path, managementPrefix):
		s.handleManagement(conn, req)
	default:
		_ = writeStatus(conn, http.StatusBadRequest, "proxy requests must use absolute-form URLs", false)
	}
}

// handleConnect parses the tunnel target, acknowledges the CONNECT, and
// dispatches to the MITM or blind-tunnel path per the interception rules.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, clientAddr string) {
	hostport := req.Host
	if hostport == "" && req.URL != nil {
		hostport = req.URL.Host
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		_ = writeStatus(conn, http.StatusBadRequest, "CONNECT target must be host:port", false)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		_ = writeStatus(conn, http.StatusBadRequest, "CONNECT target must be host:port", false)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	if s.cfg.Rules.ShouldIntercept(host, port) && s.cfg.Issuer != nil {
		s.logger.Debug("connect intercepted",
			"target", hostport,
			"client", clientAddr,
		)
		s.handleMITM(ctx, conn, br, host, hostport, clientAddr)
		return
	}

	s.logger.Debug("connect tunnelled",
		"target", hostport,
		"client", clientAddr,
	)
	s.blindTunnel(conn, br, hostport, clientAddr)
}

// clientIP strips the port from a client address for stats keys.
func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
