package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/ayatsuji/peekd/internal/version"
)

// managementPrefix scopes the endpoints the proxy answers itself. Requests
// here arrive in origin-form (a client talking straight to the proxy port).
const managementPrefix = "/peekd/"

// heartbeatResponse is the JSON body of the heartbeat endpoint.
type heartbeatResponse struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	Version           string `json:"version"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConnectionsTotal  int64  `json:"connections_total"`
	ConnectionsActive int64  `json:"connections_active"`
	ExchangesTotal    int64  `json:"exchanges_total"`
	InterceptsTotal   int64  `json:"intercepts_total"`
	TunnelsTotal      int64  `json:"tunnels_total"`
	RecordsDropped    int64  `json:"records_dropped"`
	TargetDomains     int    `json:"target_domains"`
	CAFingerprint     string `json:"ca_fingerprint,omitempty"`
	CAExpires         string `json:"ca_expires,omitempty"`
}

// handleManagement answers requests under the management prefix.
func (s *Server) handleManagement(conn net.Conn, req *http.Request) {
	if req.Method != http.MethodGet {
		_ = writeStatus(conn, http.StatusMethodNotAllowed, "method not allowed", false)
		return
	}

	switch req.URL.Path {
	case managementPrefix + "ca.pem":
		if s.cfg.CA == nil {
			_ = writeStatus(conn, http.StatusNotFound, "no CA configured", false)
			return
		}
		s.writeManagement(conn, "application/x-pem-file", s.cfg.CA.CertPEM)

	case managementPrefix + "heartbeat":
		hb := heartbeatResponse{
			Status:            "ok",
			Service:           "peekd",
			Version:           version.Short(),
			UptimeSeconds:     int64(s.Uptime().Seconds()),
			ConnectionsTotal:  s.connectionsTotal.Load(),
			ConnectionsActive: s.connectionsActive.Load(),
			ExchangesTotal:    s.exchangesTotal.Load(),
			InterceptsTotal:   s.interceptsTotal.Load(),
			TunnelsTotal:      s.tunnelsTotal.Load(),
			TargetDomains:     s.cfg.Rules.Domains(),
		}
		if s.cfg.Records != nil {
			hb.RecordsDropped = s.cfg.Records.Dropped.Load()
		}
		if s.cfg.CA != nil {
			hb.CAFingerprint = s.cfg.CA.Fingerprint
			hb.CAExpires = s.cfg.CA.NotAfter.Format("2006-01-02")
		}
		body, err := json.Marshal(hb)
		if err != nil {
			_ = writeStatus(conn, http.StatusInternalServerError, "encode heartbeat", false)
			return
		}
		s.writeManagement(conn, "application/json", body)

	default:
		_ = writeStatus(conn, http.StatusNotFound, "not found", false)
	}
}

// writeManagement writes a 200 response with the given content type.
func (s *Server) writeManagement(conn net.Conn, contentType string, body []byte) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	resp.Header.Set("Content-Type", contentType)
	_ = resp.Write(conn)
}

// CACertPath returns the path of the CA certificate file, for installers
// that add it to an OS trust store. Empty when no CA is configured.
func (s *Server) CACertPath() string {
	if s.cfg.CA == nil {
		return ""
	}
	return s.cfg.CA.CertPath
}
