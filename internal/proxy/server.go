/*
Package proxy implements the HTTP/HTTPS intercepting forward proxy.

Clients speak ordinary proxy HTTP to the listener: absolute-form requests
are forwarded in the clear, CONNECT requests are either blind-tunnelled or
terminated with a minted certificate depending on the interception rules.
Origin-form requests under the management prefix are answered locally.
*/
package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayatsuji/peekd/internal/mitm"
	"github.com/ayatsuji/peekd/internal/policy"
	"github.com/ayatsuji/peekd/internal/record"
	"github.com/ayatsuji/peekd/internal/stats"
)

// Config holds proxy server configuration.
type Config struct {
	// ListenAddr is the address to bind (e.g., "127.0.0.1:18080").
	ListenAddr string
	// Logger is the structured program logger. If nil, a default is created.
	Logger *slog.Logger
	// Rules decide which CONNECT targets are intercepted. Nil means tunnel everything.
	Rules *policy.Rules
	// Issuer mints leaf certificates for intercepted hosts. Required when Rules
	// can return true.
	Issuer *mitm.Issuer
	// CA is served at the management endpoint and reported in heartbeats.
	CA *mitm.CA
	// Records receives exchange records. Nil disables domain logs.
	Records *record.DomainLog
	// RequestBodyLimit / ResponseBodyLimit are the per-direction body capture
	// policies (-1 full, 0 none, >0 cap).
	RequestBodyLimit  int
	ResponseBodyLimit int
	// Collector receives traffic counters. Nil disables stats.
	Collector *stats.Collector
	// ConnectTimeout bounds upstream dials and TLS handshakes.
	ConnectTimeout time.Duration
	// HeaderTimeout bounds the wait for upstream response headers.
	HeaderTimeout time.Duration
	// ExchangeTimeout bounds one full request/response exchange.
	ExchangeTimeout time.Duration
	// UpstreamRoots overrides the root pool used to verify origins. Nil uses
	// the system roots.
	UpstreamRoots *x509.CertPool
}

// Server is the intercepting forward proxy.
type Server struct {
	cfg    Config
	logger *slog.Logger

	ln        net.Listener
	startTime time.Time

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	interceptsTotal   atomic.Int64
	tunnelsTotal      atomic.Int64
	exchangesTotal    atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	inShutdown atomic.Bool
}

// New creates a proxy server with the given configuration. Call Listen
// before Serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		startTime: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address. A bind failure is surfaced to the
// caller so it can map to the dedicated exit code.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound host:port after Listen. System-proxy configurators
// use this to point the OS at the proxy.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled, spawning one handler
// per connection. It returns after the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	// Closing the listener is what unblocks Accept on cancellation.
	stop := context.AfterFunc(ctx, func() {
		s.inShutdown.Store(true)
		_ = s.ln.Close()
	})
	defer stop()

	s.logger.Info("proxy listening", "addr", s.Addr())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.connectionsTotal.Add(1)
		s.connectionsActive.Add(1)
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.connectionsActive.Add(-1)
			defer s.untrack(conn)
			defer func() { _ = conn.Close() }()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown waits for outstanding handlers up to the context deadline, then
// force-closes any connections still open to unblock their I/O.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	// Grace period elapsed: closing the sockets interrupts blocked reads.
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	<-done
	return ctx.Err()
}

// ConnectionsTotal returns the total number of connections handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of currently active connections.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// InterceptsTotal returns the number of MITM sessions established.
func (s *Server) InterceptsTotal() int64 {
	return s.interceptsTotal.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
