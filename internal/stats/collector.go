/*
Package stats provides in-memory counters and SQLite persistence for
proxy traffic statistics.

The Collector accumulates per-client and per-domain counters in memory
using atomic operations for lock-free increments. A background flush loop
periodically writes deltas to a SQLite database for persistence across
restarts.
*/
package stats

import (
	"sync"
	"sync/atomic"
)

// clientStats holds per-client-IP counters (all atomic for lock-free access).
type clientStats struct {
	Exchanges atomic.Int64
	BytesIn   atomic.Int64
	BytesOut  atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	// Per-client-IP stats.
	clients sync.Map // string -> *clientStats

	// Per-domain forwarded exchange counts (plain and intercepted).
	domainExchanges sync.Map // string -> *atomic.Int64

	// Per-domain MITM session counts.
	mitmSessions sync.Map // string -> *atomic.Int64

	// Blind tunnel counters.
	TunnelsTotal atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordExchange records one forwarded request/response pair.
func (c *Collector) RecordExchange(clientIP, domain string, bytesIn, bytesOut int64) {
	val, _ := c.clients.LoadOrStore(clientIP, &clientStats{})
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	cs.Exchanges.Add(1)
	cs.BytesIn.Add(bytesIn)
	cs.BytesOut.Add(bytesOut)

	dv, _ := c.domainExchanges.LoadOrStore(domain, &atomic.Int64{})
	dv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// RecordMITMSession records one terminated-TLS session for a domain.
func (c *Collector) RecordMITMSession(domain string) {
	mv, _ := c.mitmSessions.LoadOrStore(domain, &atomic.Int64{})
	mv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// RecordTunnel records a closed blind tunnel and its byte counts.
func (c *Collector) RecordTunnel(clientIP string, bytesIn, bytesOut int64) {
	c.TunnelsTotal.Add(1)
	val, _ := c.clients.LoadOrStore(clientIP, &clientStats{})
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	cs.BytesIn.Add(bytesIn)
	cs.BytesOut.Add(bytesOut)
}

// ClientSnapshot captures a point-in-time view of per-client counters.
type ClientSnapshot struct {
	IP        string
	Exchanges int64
	BytesIn   int64
	BytesOut  int64
}

// DomainCount holds a domain and its counter value.
type DomainCount struct {
	Domain string
	Count  int64
}

// SnapshotClients returns current per-client stats.
func (c *Collector) SnapshotClients() []ClientSnapshot {
	var out []ClientSnapshot
	c.clients.Range(func(key, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		ip, _ := key.(string)         //nolint:errcheck // type is guaranteed
		out = append(out, ClientSnapshot{
			IP:        ip,
			Exchanges: cs.Exchanges.Load(),
			BytesIn:   cs.BytesIn.Load(),
			BytesOut:  cs.BytesOut.Load(),
		})
		return true
	})
	return out
}

// SnapshotDomainExchanges returns current per-domain exchange counts.
func (c *Collector) SnapshotDomainExchanges() []DomainCount {
	return snapshotCounters(&c.domainExchanges)
}

// SnapshotMITMSessions returns current per-domain MITM session counts.
func (c *Collector) SnapshotMITMSessions() []DomainCount {
	return snapshotCounters(&c.mitmSessions)
}

// TotalExchanges returns the sum of all client exchange counts.
func (c *Collector) TotalExchanges() int64 {
	var total int64
	c.clients.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		total += cs.Exchanges.Load()
		return true
	})
	return total
}

// TotalMITMSessions returns the sum of all MITM session counts.
func (c *Collector) TotalMITMSessions() int64 {
	var total int64
	c.mitmSessions.Range(func(_, value any) bool {
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		total += counter.Load()
		return true
	})
	return total
}

func snapshotCounters(m *sync.Map) []DomainCount {
	var out []DomainCount
	m.Range(func(key, value any) bool {
		domain, _ := key.(string)           //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, DomainCount{Domain: domain, Count: counter.Load()})
		return true
	})
	return out
}
