package proxy

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// blindTunnel copies bytes between the client and the origin without
// inspecting them. No exchange records are produced; the traffic is opaque.
func (s *Server) blindTunnel(conn net.Conn, br *bufio.Reader, hostport, clientAddr string) {
	start := time.Now()

	dest, err := net.DialTimeout("tcp", hostport, s.cfg.ConnectTimeout)
	if err != nil {
		s.logger.Warn("tunnel dial failed",
			"target", hostport,
			"client", clientAddr,
			"error", err,
		)
		return
	}

	s.tunnelsTotal.Add(1)

	closeBoth := func() {
		_ = dest.Close()
		_ = conn.Close()
	}

	// The client reader may have buffered past the CONNECT head, so the
	// client->origin copy must drain it first.
	var uploadBytes, downloadBytes atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		n, _ := io.Copy(dest, br) //nolint:errcheck // tunnel streaming
		uploadBytes.Store(n)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		n, _ := io.Copy(conn, dest) //nolint:errcheck // tunnel streaming
		downloadBytes.Store(n)
	}()
	wg.Wait()

	if s.cfg.Collector != nil {
		s.cfg.Collector.RecordTunnel(clientIP(clientAddr), downloadBytes.Load(), uploadBytes.Load())
	}

	s.logger.Debug("tunnel closed",
		"target", hostport,
		"client", clientAddr,
		"upload_bytes", uploadBytes.Load(),
		"download_bytes", downloadBytes.Load(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
