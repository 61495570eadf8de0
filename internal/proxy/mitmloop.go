package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

// handleMITM terminates the client's TLS session with a minted certificate,
// opens a verified TLS session to the real origin, and proxies HTTP
// exchanges between them until either side is done.
func (s *Server) handleMITM(ctx context.Context, conn net.Conn, br *bufio.Reader, host, hostport, clientAddr string) {
	start := time.Now()

	leaf, err := s.cfg.Issuer.Leaf(host)
	if err != nil {
		s.logger.Error("leaf certificate mint failed",
			"host", host,
			"client", clientAddr,
			"error", err,
		)
		return
	}

	// Terminate the client's TLS with the minted identity. Only http/1.1 is
	// advertised; clients that insist on h2 fail the handshake cleanly.
	clientTLS := tls.Server(&bufferedConn{Conn: conn, r: br}, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	})
	hsCtx, hsCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer hsCancel()
	if err := clientTLS.HandshakeContext(hsCtx); err != nil {
		s.logger.Warn("client TLS handshake failed",
			"host", host,
			"client", clientAddr,
			"error", err,
		)
		return
	}
	defer func() { _ = clientTLS.Close() }()

	s.interceptsTotal.Add(1)
	if s.cfg.Collector != nil {
		s.cfg.Collector.RecordMITMSession(host)
	}
	s.logger.Info("mitm session start",
		"host", host,
		"client", clientAddr,
	)

	up, upErr := s.dialUpstreamTLS(ctx, host, hostport)
	if upErr != nil {
		s.logger.Warn("upstream TLS connect failed",
			"host", host,
			"target", hostport,
			"error", upErr,
		)
	} else {
		defer func() { _ = up.conn.Close() }()
	}

	clientBR := bufio.NewReader(clientTLS)
	exchanges := 0
	for {
		req, err := readRequest(clientBR)
		if err != nil {
			if errors.Is(err, errProtocol) {
				_ = writeStatus(clientTLS, http.StatusBadRequest, "bad request", false)
			} else if !isClosedConnErr(err) {
				s.logger.Debug("mitm client read failed",
					"host", host,
					"client", clientAddr,
					"error", err,
				)
			}
			break
		}

		if upErr != nil {
			// The origin never came up; answer the request and end the session.
			s.syntheticExchange(clientTLS, req, "https", hostport, clientAddr, http.StatusBadGateway, "upstream-connect", time.Now())
			break
		}

		closeAfter := s.forwardExchange(req, up, clientTLS, "https", hostport, clientAddr)
		exchanges++
		if closeAfter {
			break
		}
	}

	s.logger.Info("mitm session end",
		"host", host,
		"client", clientAddr,
		"exchanges", exchanges,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// dialUpstreamTLS opens the origin-side TLS session. SNI is the CONNECT
// host; the origin is verified against the system roots unless a pool was
// injected.
func (s *Server) dialUpstreamTLS(ctx context.Context, host, hostport string) (*upstream, error) {
	raw, err := net.DialTimeout("tcp", hostport, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
		RootCAs:    s.cfg.UpstreamRoots,
	})
	hsCtx, hsCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer hsCancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}

	return &upstream{conn: tlsConn, br: bufio.NewReader(tlsConn)}, nil
}
