// Package main provides the entry point for the Fridge-tag upload server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-fridgetag/internal/api"
	"github.com/resident-x/go-fridgetag/internal/config"
	"github.com/resident-x/go-fridgetag/internal/domain"
	"github.com/resident-x/go-fridgetag/internal/parser"
	"github.com/resident-x/go-fridgetag/internal/pubsub"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run(os.Args[1:], os.Stdout) // run() returns an int
	os.Exit(code)                       // os.Exit is called after deferred functions in run() execute
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("fridgetag-server", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to configuration file (default: ./config.yaml or ./config/config.yaml)")
	showVersion := fs.Bool("version", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "fridgetag-server %s\n", Version)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, *configFile, stdout)
}

// serve runs the server until ctx is cancelled.
func serve(ctx context.Context, configFile string, stdout io.Writer) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(stdout, "Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel, stdout)

	log.Info().Str("version", Version).Msg("Starting fridgetag server")
	cfg.Print()

	if !cfg.API.Enabled {
		log.Error().Msg("API is disabled in the configuration, nothing to serve")
		return 1
	}

	dataParser, err := parser.NewParser(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize parser")
		return 1
	}

	publisher := newPublisher(ctx, cfg)
	defer publisher.Close()

	srv, err := api.NewServer(cfg, dataParser, publisher, Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create API server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start API server")
		return 1
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// newPublisher connects the MQTT publisher, falling back to a no-op publisher.
func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

// initLogger configures the global zerolog logger.
func initLogger(level string, w io.Writer) {
	// Set up pretty console logging
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Fprintf(w, "Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
