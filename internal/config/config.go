/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for peekd.

Configuration is resolved in this order (highest priority first):
 1. CLI flags (explicitly passed)
 2. Config file values
 3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Body-size policy sentinel values for domain-log body limits.
const (
	BodyFull = -1 // record the complete body
	BodyNone = 0  // do not record the body
)

// Config is the top-level configuration for peekd.
type Config struct {
	Proxy        Proxy        `yaml:"proxy"`
	Target       Target       `yaml:"target"`
	Certificates Certificates `yaml:"certificates"`
	DataDir      string       `yaml:"data_dir"`
	Logging      Logging      `yaml:"logging"`
	Timeouts     Timeouts     `yaml:"timeouts"`
	Stats        Stats        `yaml:"stats"`
}

// Proxy holds the listener bind address.
type Proxy struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port string to bind.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
}

// Target selects which CONNECT requests are intercepted.
type Target struct {
	// Domains are matched against the CONNECT host per Match.
	Domains []string `yaml:"domains"`
	// Ports is the set of CONNECT ports eligible for interception.
	Ports []int `yaml:"ports"`
	// Match is one of "substring" (default), "suffix", or "exact".
	Match string `yaml:"match"`
}

// Certificates holds CA material file paths, relative to data_dir.
type Certificates struct {
	CACert string `yaml:"ca_cert"`
	CAKey  string `yaml:"ca_key"`
}

// Logging holds program-log and domain-log configuration.
type Logging struct {
	// Level is one of error, warn, info, debug, trace.
	Level string `yaml:"level"`
	// Output is "stdout" (stderr text only) or "file" (plus rotated JSON file).
	Output string `yaml:"output"`
	// LogDir is the directory for the program log and domain logs.
	LogDir string `yaml:"log_dir"`
	// ProgramLog is the program log filename inside LogDir.
	ProgramLog string `yaml:"program_log"`
	// DomainLogs configures per-domain exchange logs.
	DomainLogs DomainLogs `yaml:"domain_logs"`
}

// DomainLogs configures the per-domain exchange log files.
type DomainLogs struct {
	Enabled bool `yaml:"enabled"`
	// Format is the file name template; {date} and {domain} are substituted.
	Format string `yaml:"format"`
	// RequestBodyLimit / ResponseBodyLimit: -1 full, 0 none, >0 truncate at n bytes.
	RequestBodyLimit  int `yaml:"request_body_limit"`
	ResponseBodyLimit int `yaml:"response_body_limit"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	// Connect bounds upstream TCP dial and TLS handshakes.
	Connect Duration `yaml:"connect"`
	// Header bounds the wait for upstream response headers.
	Header Duration `yaml:"header"`
	// Exchange bounds one full request/response exchange.
	Exchange Duration `yaml:"exchange"`
	// Shutdown is the grace period before outstanding connections are forced closed.
	Shutdown Duration `yaml:"shutdown"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Proxy: Proxy{
			Host: "127.0.0.1",
			Port: 18080,
		},
		Target: Target{
			Ports: []int{443},
			Match: "substring",
		},
		Certificates: Certificates{
			CACert: "ca-cert.pem",
			CAKey:  "ca-key.pem",
		},
		DataDir: ".",
		Logging: Logging{
			Level:      "info",
			Output:     "stdout",
			LogDir:     "logs",
			ProgramLog: "peekd.log",
			DomainLogs: DomainLogs{
				Enabled:           true,
				Format:            "{date}_{domain}.log",
				RequestBodyLimit:  BodyFull,
				ResponseBodyLimit: BodyFull,
			},
		},
		Timeouts: Timeouts{
			Connect:  Duration{10 * time.Second},
			Header:   Duration{30 * time.Second},
			Exchange: Duration{300 * time.Second},
			Shutdown: Duration{5 * time.Second},
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for peekd.yml or peekd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"peekd.yml", "peekd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Host    *string
	Port    *int
	LogDir  *string
	DataDir *string
	Level   *string
	Domains []string
	Ports   []int
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Host != nil {
		c.Proxy.Host = *o.Host
	}
	if o.Port != nil {
		c.Proxy.Port = *o.Port
	}
	if o.LogDir != nil {
		c.Logging.LogDir = *o.LogDir
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.Level != nil {
		c.Logging.Level = *o.Level
	}
	if len(o.Domains) > 0 {
		c.Target.Domains = o.Domains
	}
	if len(o.Ports) > 0 {
		c.Target.Ports = o.Ports
	}
}

var (
	validLevels  = map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	validOutputs = map[string]bool{"stdout": true, "file": true}
	validMatches = map[string]bool{"substring": true, "suffix": true, "exact": true}
)

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Proxy.Addr()); err != nil {
		errs = append(errs, fmt.Sprintf("proxy: invalid bind address %q: %v", c.Proxy.Addr(), err))
	}

	errs = append(errs, validateTarget(c.Target)...)

	if c.Certificates.CACert == "" {
		errs = append(errs, "certificates.ca_cert: must not be empty")
	}
	if c.Certificates.CAKey == "" {
		errs = append(errs, "certificates.ca_key: must not be empty")
	}

	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level: must be one of error, warn, info, debug, trace; got %q", c.Logging.Level))
	}
	if !validOutputs[c.Logging.Output] {
		errs = append(errs, fmt.Sprintf("logging.output: must be stdout or file, got %q", c.Logging.Output))
	}
	if c.Logging.Output == "file" && c.Logging.ProgramLog == "" {
		errs = append(errs, "logging.program_log: must be set when logging.output is file")
	}
	errs = append(errs, validateDomainLogs(c.Logging.DomainLogs)...)

	for name, d := range map[string]Duration{
		"timeouts.connect":  c.Timeouts.Connect,
		"timeouts.header":   c.Timeouts.Header,
		"timeouts.exchange": c.Timeouts.Exchange,
		"timeouts.shutdown": c.Timeouts.Shutdown,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be positive, got %s", name, d))
		}
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateTarget checks interception rule entries.
func validateTarget(t Target) []string {
	var errs []string

	if !validMatches[t.Match] {
		errs = append(errs, fmt.Sprintf("target.match: must be substring, suffix, or exact; got %q", t.Match))
	}

	for i, d := range t.Domains {
		if d == "" || strings.Contains(d, "*") || strings.Contains(d, "/") || strings.Contains(d, " ") {
			errs = append(errs, fmt.Sprintf("target.domains[%d]: invalid pattern %q", i, d))
		}
	}

	if len(t.Domains) > 0 && len(t.Ports) == 0 {
		errs = append(errs, "target.ports: at least one port is required when target.domains is set")
	}
	for i, p := range t.Ports {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Sprintf("target.ports[%d]: must be in 1..65535, got %d", i, p))
		}
	}

	return errs
}

// validateDomainLogs checks exchange-log settings.
func validateDomainLogs(dl DomainLogs) []string {
	var errs []string
	if !dl.Enabled {
		return errs
	}

	if !strings.Contains(dl.Format, "{domain}") {
		errs = append(errs, fmt.Sprintf("logging.domain_logs.format: must contain {domain}, got %q", dl.Format))
	}
	if dl.RequestBodyLimit < BodyFull {
		errs = append(errs, fmt.Sprintf("logging.domain_logs.request_body_limit: must be >= -1, got %d", dl.RequestBodyLimit))
	}
	if dl.ResponseBodyLimit < BodyFull {
		errs = append(errs, fmt.Sprintf("logging.domain_logs.response_body_limit: must be >= -1, got %d", dl.ResponseBodyLimit))
	}

	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
