// Runwire broker - WebSocket control plane between the app, runners,
// and browser clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runwire-dev/runwire/internal/broker"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("runwire-broker %s\n", broker.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	if level := os.Getenv("RUNWIRE_LOG_LEVEL"); level != "" {
		switch level {
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	// Load configuration
	cfg, err := broker.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.SharedSecret() == "" {
		log.Warn().Msg(broker.EnvSharedSecret + " is not set; runner connections will be rejected")
	}

	log.Info().
		Str("version", broker.Version).
		Str("listen", cfg.ListenAddr).
		Bool("ws_proxy", cfg.UseWSProxy).
		Msg("runwire broker starting")

	b := broker.New(cfg, log)
	server := broker.NewServer(cfg, log, b)

	// Handle signals
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		cancel()
	}()

	// Run server
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	// Drain sockets, queues, and proxy tables before exiting.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("broker shutdown incomplete")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Usage: runwire-broker [options]

Runwire Broker %s - routes commands and events between the app, build
runners, and browser clients over WebSocket.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit

Environment variables:
  RUNNER_SHARED_SECRET          Runner auth secret (required for runners)
  RUNWIRE_LISTEN                Listen address (default: :8090)
  RUNWIRE_CONFIG                Path to YAML config (default: ./runwire.yaml)
  USE_WS_PROXY                  Enable /proxy and /hmr endpoints (default: false)
  RUNWIRE_ALLOWED_ORIGINS       Comma-separated WebSocket origin allow-list
  RUNWIRE_BATCH_DELAY           Broadcast batch window (default: 200ms)
  RUNWIRE_COMMAND_TTL           Queued command lifetime (default: 5m)
  RUNWIRE_MAX_QUEUE_SIZE        Per-runner queue cap (default: 100)
  RUNWIRE_PROXY_TIMEOUT         HTTP proxy completion timeout (default: 30s)
  RUNWIRE_LOG_LEVEL             Log level: debug, info, warn, error
`, broker.Version)
}
