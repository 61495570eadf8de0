package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:18080", cfg.Proxy.Addr())
	assert.Equal(t, []int{443}, cfg.Target.Ports)
	assert.Equal(t, "substring", cfg.Target.Match)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.True(t, cfg.Logging.DomainLogs.Enabled)
	assert.Equal(t, "{date}_{domain}.log", cfg.Logging.DomainLogs.Format)
	assert.Equal(t, BodyFull, cfg.Logging.DomainLogs.RequestBodyLimit)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Shutdown.Duration)

	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peekd.yml")
	content := `
proxy:
  host: 0.0.0.0
  port: 9090
target:
  domains: [api.test, github.com]
  ports: [443, 8443]
  match: suffix
logging:
  level: debug
  output: file
  log_dir: /tmp/peekd-logs
  program_log: proxy.log
  domain_logs:
    enabled: true
    format: "{date}_{domain}.log"
    request_body_limit: 0
    response_body_limit: 1024
timeouts:
  connect: 5s
  shutdown: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)

	assert.Equal(t, "0.0.0.0:9090", cfg.Proxy.Addr())
	assert.Equal(t, []string{"api.test", "github.com"}, cfg.Target.Domains)
	assert.Equal(t, []int{443, 8443}, cfg.Target.Ports)
	assert.Equal(t, "suffix", cfg.Target.Match)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Logging.Output)
	assert.Equal(t, BodyNone, cfg.Logging.DomainLogs.RequestBodyLimit)
	assert.Equal(t, 1024, cfg.Logging.DomainLogs.ResponseBodyLimit)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Shutdown.Duration)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 300*time.Second, cfg.Timeouts.Exchange.Duration)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileIsDefaults(t *testing.T) {
	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peekd.yml")
	require.NoError(t, os.WriteFile(path, []byte("proxy: [not a mapping"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	cfg := Default()

	host := "0.0.0.0"
	port := 9999
	level := "trace"
	cfg.Merge(CLIOverrides{
		Host:    &host,
		Port:    &port,
		Level:   &level,
		Domains: []string{"cli.test"},
		Ports:   []int{8443},
	})

	assert.Equal(t, "0.0.0.0:9999", cfg.Proxy.Addr())
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, []string{"cli.test"}, cfg.Target.Domains)
	assert.Equal(t, []int{8443}, cfg.Target.Ports)

	// Unset overrides leave values alone.
	assert.Equal(t, "logs", cfg.Logging.LogDir)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"bad match", func(c *Config) { c.Target.Match = "regex" }, "target.match"},
		{"wildcard domain", func(c *Config) { c.Target.Domains = []string{"*.api.test"} }, "target.domains[0]"},
		{"domains without ports", func(c *Config) {
			c.Target.Domains = []string{"api.test"}
			c.Target.Ports = nil
		}, "target.ports"},
		{"port out of range", func(c *Config) { c.Target.Ports = []int{70000} }, "target.ports[0]"},
		{"format missing domain", func(c *Config) { c.Logging.DomainLogs.Format = "{date}.log" }, "domain_logs.format"},
		{"body limit below -1", func(c *Config) { c.Logging.DomainLogs.RequestBodyLimit = -2 }, "request_body_limit"},
		{"zero shutdown", func(c *Config) { c.Timeouts.Shutdown = Duration{} }, "timeouts.shutdown"},
		{"empty ca cert", func(c *Config) { c.Certificates.CACert = "" }, "certificates.ca_cert"},
		{"zero flush interval", func(c *Config) { c.Stats.FlushInterval = Duration{} }, "stats.flush_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Target.Match = "regex"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "target.match")
}

func TestDuration_Roundtrip(t *testing.T) {
	cfg := Default()
	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "connect: 10s")
	assert.Contains(t, string(out), "shutdown: 5s")
}

func TestDuration_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peekd.yml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  connect: fast\n"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
