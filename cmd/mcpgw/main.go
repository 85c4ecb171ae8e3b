// Package main is the entry point for the MCP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg.Observability.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mcpgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("upstreams", len(cfg.Upstreams)),
		observability.Int("rules", len(cfg.Rules)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize gateway", observability.Error(err))
		return
	}

	runGateway(ctx, app, flags.configPath, logger)
}

// parseFlags parses command line flags with environment defaults.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	configPath := fs.String("config", getEnvOrDefault("MCPGW_CONFIG_PATH", "configs/mcpgw.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("MCPGW_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := fs.String("log-format", getEnvOrDefault("MCPGW_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("mcpgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// logConfig merges the command line overrides into the configured logging.
func logConfig(flags cliFlags, cfg config.LoggingConfig) observability.LogConfig {
	out := observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	}
	if flags.logLevel != "" {
		out.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		out.Format = flags.logFormat
	}
	return out
}

// initLogger initializes the process logger.
func initLogger(flags cliFlags, cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// fatalWithSync flushes the logger before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}

// getEnvOrDefault returns the value of key, or def when it is unset or empty.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
