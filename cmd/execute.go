// Package cmd contains the entropy CLI entry points: the HTTP/pipeline
// server, standalone migrations, and version output.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/entropywiki/entropy/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the entropy binary. It routes to the
// requested subcommand; serve is the default.
func Execute() error {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		printVersion()
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// initLogger builds the process-wide structured logger.
// DEBUG enables debug level; LOG_JSON switches to JSON output.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("LOG_JSON") != "" {
		cfg.JSON = true
	}

	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}

func printVersion() {
	fmt.Printf("entropy %s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("entropy - AI-maintained wiki with a content ingestion pipeline")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  entropy [serve]    Run the HTTP API and ingestion pipeline (default)")
	fmt.Println("  entropy migrate    Apply database migrations and exit")
	fmt.Println("  entropy version    Show version information")
	fmt.Println("  entropy help       Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY     Required: Gemini API key")
	fmt.Println("  DATABASE_URL       PostgreSQL connection URL (overrides config file)")
	fmt.Println("  ENTROPY_ADMIN_TOKEN  Bearer token for the /admin API")
	fmt.Println("  DEBUG              Optional: enable debug logging")
	fmt.Println("  LOG_JSON           Optional: JSON log output")
	fmt.Println()
	fmt.Println("Configuration file: ~/.entropy/config.yaml")
}
