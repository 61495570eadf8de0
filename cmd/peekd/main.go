/*
Peekd - intercepting HTTPS study proxy.

Usage:

	peekd [flags]
	peekd version
	peekd generate-ca [--force]
	peekd config dump [flags]
	peekd config validate [flags]
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ayatsuji/peekd/internal/config"
	"github.com/ayatsuji/peekd/internal/logging"
	"github.com/ayatsuji/peekd/internal/mitm"
	"github.com/ayatsuji/peekd/internal/policy"
	"github.com/ayatsuji/peekd/internal/proxy"
	"github.com/ayatsuji/peekd/internal/record"
	"github.com/ayatsuji/peekd/internal/stats"
	"github.com/ayatsuji/peekd/internal/version"
)

// Process exit codes.
const (
	exitConfig = 1
	exitBind   = 2
	exitCA     = 3
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagConfigPath string
	flagHost       string
	flagPort       int
	flagLogDir     string
	flagDataDir    string
	flagLevel      string
	flagDomains    []string
	flagPorts      []int
	flagForceCA    bool
)

// exitError carries a process exit code alongside the underlying error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:          "peekd",
	Short:        "peekd - intercepting HTTPS study proxy",
	SilenceUsage: true,
	RunE:         runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var generateCACmd = &cobra.Command{
	Use:   "generate-ca",
	Short: "Generate a CA certificate and private key for TLS interception",
	RunE:  runGenerateCA,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: peekd.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for CA files and stats.db")

	rootCmd.Flags().StringVar(&flagHost, "host", "", "listen host")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files")
	rootCmd.Flags().StringVar(&flagLevel, "level", "", "program log level (error, warn, info, debug, trace)")
	rootCmd.Flags().StringArrayVar(&flagDomains, "domain", nil, "intercepted domain pattern (repeatable)")
	rootCmd.Flags().IntSliceVar(&flagPorts, "intercept-port", nil, "intercepted CONNECT port (repeatable)")

	generateCACmd.Flags().BoolVar(&flagForceCA, "force", false, "overwrite existing CA files")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCACmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, &exitError{exitConfig, err}
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("host") {
		overrides.Host = &flagHost
	}
	if cmd.Flags().Changed("port") {
		overrides.Port = &flagPort
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("level") {
		overrides.Level = &flagLevel
	}
	if cmd.Flags().Changed("domain") {
		overrides.Domains = flagDomains
	}
	if cmd.Flags().Changed("intercept-port") {
		overrides.Ports = flagPorts
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, &exitError{exitConfig, err}
	}

	return cfg, nil
}

// runProxy is the main entry point: it initializes every subsystem and
// serves until a shutdown signal arrives.
func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logFile := ""
	if cfg.Logging.Output == "file" {
		logFile = filepath.Join(cfg.Logging.LogDir, cfg.Logging.ProgramLog)
	}
	logResult := logging.Setup(logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: logFile,
	})
	defer logResult.Cleanup()
	logger := logResult.Logger

	certPath := filepath.Join(cfg.DataDir, cfg.Certificates.CACert)
	keyPath := filepath.Join(cfg.DataDir, cfg.Certificates.CAKey)
	ca, err := mitm.LoadOrCreateCA(certPath, keyPath)
	if err != nil {
		logger.Error("CA initialization failed", "error", err)
		return &exitError{exitCA, err}
	}
	logger.Info("CA loaded",
		"cert", certPath,
		"fingerprint", ca.Fingerprint,
		"expires", ca.NotAfter.Format("2006-01-02"),
	)

	issuer := mitm.NewIssuer(ca, mitm.KeyECDSA)
	rules := policy.New(cfg.Target.Domains, cfg.Target.Ports, policy.MatchMode(cfg.Target.Match))

	var records *record.DomainLog
	if cfg.Logging.DomainLogs.Enabled {
		records, err = record.NewDomainLog(record.Config{
			Dir:    cfg.Logging.LogDir,
			Format: cfg.Logging.DomainLogs.Format,
			Logger: logger,
		})
		if err != nil {
			logger.Error("domain log initialization failed", "error", err)
			return &exitError{exitConfig, err}
		}
		defer func() { _ = records.Close() }()
	}

	var collector *stats.Collector
	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		collector = stats.NewCollector()
		statsDB, err = stats.Open(filepath.Join(cfg.DataDir, "stats.db"), collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			logger.Error("stats database initialization failed", "error", err)
			return &exitError{exitConfig, err}
		}
		statsDB.Start()
		defer func() { _ = statsDB.Close() }()
	}

	srv := proxy.New(proxy.Config{
		ListenAddr:        cfg.Proxy.Addr(),
		Logger:            logger,
		Rules:             rules,
		Issuer:            issuer,
		CA:                ca,
		Records:           records,
		RequestBodyLimit:  cfg.Logging.DomainLogs.RequestBodyLimit,
		ResponseBodyLimit: cfg.Logging.DomainLogs.ResponseBodyLimit,
		Collector:         collector,
		ConnectTimeout:    cfg.Timeouts.Connect.Duration,
		HeaderTimeout:     cfg.Timeouts.Header.Duration,
		ExchangeTimeout:   cfg.Timeouts.Exchange.Duration,
	})

	if err := srv.Listen(); err != nil {
		logger.Error("bind failed", "error", err)
		return &exitError{exitBind, err}
	}

	logger.Info("proxy starting",
		"version", version.Full(),
		"addr", srv.Addr(),
		"domains", rules.Domains(),
		"match", cfg.Target.Match,
		"ca_cert", srv.CACertPath(),
	)

	return runServer(srv, cfg, logger)
}

// runServer serves until a signal arrives, then shuts down within the
// configured grace period.
func runServer(srv *proxy.Server, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			return &exitError{exitBind, err}
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Info("shutdown grace period elapsed, connections forced closed")
	}
	<-errCh

	logger.Info("proxy stopped")
	return nil
}

func runGenerateCA(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	certPath := filepath.Join(cfg.DataDir, cfg.Certificates.CACert)
	keyPath := filepath.Join(cfg.DataDir, cfg.Certificates.CAKey)

	if err := mitm.GenerateCA(certPath, keyPath, flagForceCA); err != nil {
		return &exitError{exitCA, err}
	}

	fmt.Fprintf(os.Stderr, "CA certificate: %s\n", certPath)
	fmt.Fprintf(os.Stderr, "CA private key: %s\n", keyPath)
	fmt.Fprintln(os.Stderr, "Install the CA certificate on client devices to enable interception.")
	return nil
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("dump config: %w", err)}
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
