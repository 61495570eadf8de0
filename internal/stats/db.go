package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Cumulative snapshots from the previous flush, used to compute deltas.
	lastClients   map[string]ClientSnapshot
	lastExchanges map[string]int64
	lastMITM      map[string]int64
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:          conn,
		collector:     collector,
		logger:        logger,
		interval:      flushInterval,
		done:          make(chan struct{}),
		lastClients:   make(map[string]ClientSnapshot),
		lastExchanges: make(map[string]int64),
		lastMITM:      make(map[string]int64),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	// Per-client traffic deltas.
	currentClients := make(map[string]ClientSnapshot)
	for _, cs := range db.collector.SnapshotClients() {
		currentClients[cs.IP] = cs
		prev := db.lastClients[cs.IP]
		dEx := cs.Exchanges - prev.Exchanges
		dIn := cs.BytesIn - prev.BytesIn
		dOut := cs.BytesOut - prev.BytesOut
		if dEx == 0 && dIn == 0 && dOut == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO traffic_hourly (hour, client_ip, exchanges, bytes_in, bytes_out)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (hour, client_ip) DO UPDATE SET
				exchanges = exchanges + excluded.exchanges,
				bytes_in  = bytes_in  + excluded.bytes_in,
				bytes_out = bytes_out + excluded.bytes_out
		`, &sqlitex.ExecOptions{
			Args: []any{hour, cs.IP, dEx, dIn, dOut},
		})
		if err != nil {
			return fmt.Errorf("upsert traffic_hourly: %w", err)
		}
	}
	db.lastClients = currentClients

	// Per-domain exchange count deltas.
	db.lastExchanges, err = db.flushCounters(db.collector.SnapshotDomainExchanges(), db.lastExchanges, "domain_exchanges")
	if err != nil {
		return err
	}

	// Per-domain MITM session deltas.
	db.lastMITM, err = db.flushCounters(db.collector.SnapshotMITMSessions(), db.lastMITM, "mitm_sessions")
	if err != nil {
		return err
	}

	return nil
}

// flushCounters upserts deltas for one domain->count table and returns the
// new cumulative snapshot.
func (db *DB) flushCounters(current []DomainCount, last map[string]int64, table string) (map[string]int64, error) {
	next := make(map[string]int64, len(current))
	for _, dc := range current {
		next[dc.Domain] = dc.Count
		delta := dc.Count - last[dc.Domain]
		if delta == 0 {
			continue
		}
		err := sqlitex.Execute(db.conn, `
			INSERT INTO `+table+` (domain, count)
			VALUES (?, ?)
			ON CONFLICT (domain) DO UPDATE SET
				count = count + excluded.count
		`, &sqlitex.ExecOptions{
			Args: []any{dc.Domain, delta},
		})
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return next, nil
}

// TopExchanged returns the top n domains by exchange count, merging DB
// totals with unflushed in-memory deltas.
func (db *DB) TopExchanged(n int) []DomainCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := db.allCounters("domain_exchanges")

	for _, dc := range db.collector.SnapshotDomainExchanges() {
		delta := dc.Count - db.lastExchanges[dc.Domain]
		if delta > 0 {
			merged[dc.Domain] += delta
		}
	}

	return topNFromMap(merged, n)
}

// TopIntercepted returns the top n domains by MITM session count, merging
// DB totals with unflushed in-memory deltas.
func (db *DB) TopIntercepted(n int) []DomainCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := db.allCounters("mitm_sessions")

	for _, dc := range db.collector.SnapshotMITMSessions() {
		delta := dc.Count - db.lastMITM[dc.Domain]
		if delta > 0 {
			merged[dc.Domain] += delta
		}
	}

	return topNFromMap(merged, n)
}

// TopClients returns the top n clients by exchange count from the database.
func (db *DB) TopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []ClientSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip,
			SUM(exchanges) as total_exchanges,
			SUM(bytes_in) as total_bytes_in,
			SUM(bytes_out) as total_bytes_out
		FROM traffic_hourly
		GROUP BY client_ip
		ORDER BY total_exchanges DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, ClientSnapshot{
				IP:        stmt.ColumnText(0),
				Exchanges: stmt.ColumnInt64(1),
				BytesIn:   stmt.ColumnInt64(2),
				BytesOut:  stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	return out
}

// TrafficTotalsSince returns aggregate traffic stats within a time window.
func (db *DB) TrafficTotalsSince(since time.Time) (exchanges, bytesIn, bytesOut int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format("2006-01-02T15")
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(exchanges), 0),
			COALESCE(SUM(bytes_in), 0),
			COALESCE(SUM(bytes_out), 0)
		FROM traffic_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exchanges = stmt.ColumnInt64(0)
			bytesIn = stmt.ColumnInt64(1)
			bytesOut = stmt.ColumnInt64(2)
			return nil
		},
	})
	return
}

// allCounters loads a full domain->count table into a map.
func (db *DB) allCounters(table string) map[string]int64 {
	out := make(map[string]int64)
	_ = sqlitex.Execute(db.conn, `
		SELECT domain, count FROM `+table+`
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	return out
}

// topNFromMap extracts the top n entries from a domain->count map.
func topNFromMap(m map[string]int64, n int) []DomainCount {
	out := make([]DomainCount, 0, len(m))
	for domain, count := range m {
		out = append(out, DomainCount{Domain: domain, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS traffic_hourly (
			hour      TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			exchanges INTEGER NOT NULL DEFAULT 0,
			bytes_in  INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, client_ip)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS domain_exchanges (
			domain TEXT NOT NULL PRIMARY KEY,
			count  INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS mitm_sessions (
			domain TEXT NOT NULL PRIMARY KEY,
			count  INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_hour ON traffic_hourly(hour);
	`, nil)
}
