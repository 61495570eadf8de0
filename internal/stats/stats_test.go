package stats

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollector_RecordExchange(t *testing.T) {
	c := NewCollector()

	c.RecordExchange("10.0.0.1", "api.test", 100, 50)
	c.RecordExchange("10.0.0.1", "api.test", 200, 25)
	c.RecordExchange("10.0.0.2", "other.test", 10, 5)

	clients := c.SnapshotClients()
	require.Len(t, clients, 2)

	byIP := make(map[string]ClientSnapshot)
	for _, cs := range clients {
		byIP[cs.IP] = cs
	}
	assert.Equal(t, int64(2), byIP["10.0.0.1"].Exchanges)
	assert.Equal(t, int64(300), byIP["10.0.0.1"].BytesIn)
	assert.Equal(t, int64(75), byIP["10.0.0.1"].BytesOut)
	assert.Equal(t, int64(1), byIP["10.0.0.2"].Exchanges)

	assert.Equal(t, int64(3), c.TotalExchanges())

	domains := c.SnapshotDomainExchanges()
	require.Len(t, domains, 2)
}

func TestCollector_MITMAndTunnels(t *testing.T) {
	c := NewCollector()

	c.RecordMITMSession("api.test")
	c.RecordMITMSession("api.test")
	c.RecordTunnel("10.0.0.1", 1000, 200)

	assert.Equal(t, int64(2), c.TotalMITMSessions())
	assert.Equal(t, int64(1), c.TunnelsTotal.Load())

	sessions := c.SnapshotMITMSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "api.test", sessions[0].Domain)
	assert.Equal(t, int64(2), sessions[0].Count)
}

func TestDB_FlushAndQuery(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector()
	db, err := Open(filepath.Join(dir, "stats.db"), c, testLogger(), time.Hour)
	require.NoError(t, err)

	c.RecordExchange("10.0.0.1", "api.test", 100, 50)
	c.RecordExchange("10.0.0.1", "api.test", 100, 50)
	c.RecordExchange("10.0.0.2", "other.test", 10, 5)
	c.RecordMITMSession("api.test")

	require.NoError(t, db.Flush())

	top := db.TopExchanged(10)
	require.Len(t, top, 2)
	assert.Equal(t, "api.test", top[0].Domain)
	assert.Equal(t, int64(2), top[0].Count)

	intercepted := db.TopIntercepted(10)
	require.Len(t, intercepted, 1)
	assert.Equal(t, int64(1), intercepted[0].Count)

	clients := db.TopClients(10)
	require.Len(t, clients, 2)
	assert.Equal(t, "10.0.0.1", clients[0].IP)
	assert.Equal(t, int64(2), clients[0].Exchanges)
	assert.Equal(t, int64(200), clients[0].BytesIn)

	exchanges, bytesIn, bytesOut := db.TrafficTotalsSince(time.Now().Add(-2 * time.Hour))
	assert.Equal(t, int64(3), exchanges)
	assert.Equal(t, int64(210), bytesIn)
	assert.Equal(t, int64(105), bytesOut)

	require.NoError(t, db.Close())
}

func TestDB_FlushIsDelta(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector()
	db, err := Open(filepath.Join(dir, "stats.db"), c, testLogger(), time.Hour)
	require.NoError(t, err)

	c.RecordExchange("10.0.0.1", "api.test", 100, 50)
	require.NoError(t, db.Flush())

	// A second flush with no new traffic must not double-count.
	require.NoError(t, db.Flush())

	top := db.TopExchanged(10)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Count)

	require.NoError(t, db.Close())
}

func TestDB_MergesUnflushedDeltas(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector()
	db, err := Open(filepath.Join(dir, "stats.db"), c, testLogger(), time.Hour)
	require.NoError(t, err)

	c.RecordExchange("10.0.0.1", "api.test", 100, 50)
	require.NoError(t, db.Flush())

	// New traffic since the flush is visible in merged queries.
	c.RecordExchange("10.0.0.1", "api.test", 100, 50)

	top := db.TopExchanged(10)
	require.Len(t, top, 1)
	assert.Equal(t, int64(2), top[0].Count)

	require.NoError(t, db.Close())
}

func TestDB_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")

	c1 := NewCollector()
	db1, err := Open(path, c1, testLogger(), time.Hour)
	require.NoError(t, err)
	c1.RecordExchange("10.0.0.1", "api.test", 100, 50)
	require.NoError(t, db1.Close()) // Close performs a final flush

	c2 := NewCollector()
	db2, err := Open(path, c2, testLogger(), time.Hour)
	require.NoError(t, err)
	top := db2.TopExchanged(10)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Count)
	require.NoError(t, db2.Close())
}
