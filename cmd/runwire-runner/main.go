// Runwire runner - connects to the broker and executes project
// commands on this machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/runwire-dev/runwire/internal/runner"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("runwire-runner %s\n", runner.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := runner.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", runner.Version).
		Str("runner_id", cfg.RunnerID).
		Str("broker", cfg.BrokerURL).
		Str("workspace", cfg.WorkspaceDir).
		Msg("runwire runner starting")

	// Create client
	client := runner.New(cfg, log, nil)

	// Handle signals
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		cancel()
		_ = client.Close()
	}()

	// Run client
	client.Run(ctx)
}

func printUsage() {
	fmt.Printf(`Usage: runwire-runner [options]

Runwire Runner %s - executes builds, dev servers, and file operations
on behalf of the broker.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  RUNWIRE_BROKER_URL        Broker WebSocket URL (required, ws:// or wss://)
  RUNNER_SHARED_SECRET      Shared auth secret (required)
  RUNNER_ID                 Stable runner identity (default: hostname)
  RUNWIRE_WORKSPACE         Project workspace root (default: ./projects)
  RUNWIRE_LOG_LEVEL         Log level: debug, info, warn, error
`, runner.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := runner.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Runner ID:   %s\n", cfg.RunnerID)
	fmt.Printf("  Broker:      %s\n", cfg.BrokerURL)
	fmt.Printf("  Workspace:   %s\n", cfg.WorkspaceDir)
	fmt.Println()

	// Test connectivity
	fmt.Print("Testing broker connectivity... ")

	// Convert WebSocket URL to HTTP for the health check
	httpURL := cfg.BrokerURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/")
	httpURL += "/healthz"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
