// Ttsbridge is a text-to-speech driver harness: it speaks the TTS driver
// protocol on its standard streams, dispatches requests to a synthesizer
// backend and streams synthesized audio to an audio server over TCP.
//
// Usage:
//
//	ttsbridge [flags]
//	ttsbridge --config /path/to/ttsbridge.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/ttsbridge/internal/backend"
	"github.com/nadzzz/ttsbridge/internal/backend/piper"
	"github.com/nadzzz/ttsbridge/internal/config"
	"github.com/nadzzz/ttsbridge/internal/harness"
	"github.com/nadzzz/ttsbridge/internal/health"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/ttsbridge.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ttsbridge %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging. Logs go to stderr: stdout carries the
	// command protocol.
	config.SetupLogging(cfg.Logging)
	slog.Info("ttsbridge starting", "version", version, "backend", cfg.Backend.Name)

	h := harness.New(os.Stdin, os.Stdout)

	// Initialize the synthesizer backend.
	var table backend.Table
	switch cfg.Backend.Name {
	case "piper":
		drv := piper.New(cfg.Backend.Piper, h)
		table = drv.Table()
		slog.Info("using piper backend",
			"endpoint", cfg.Backend.Piper.Endpoint,
			"voice", cfg.Backend.Piper.Voice)
	case "none":
		// Empty capability record: the SAY verbs reply NOT IMPLEMENTED
		// IN DRIVER; the other verbs succeed without a backend call.
		table = backend.Table{}
	default:
		slog.Error("unknown backend", "backend", cfg.Backend.Name)
		os.Exit(1)
	}
	h.Install(table)

	// Pre-seed the audio retrieval destination if configured, so audio
	// can flow before the controller announces one.
	if cfg.Audio.DefaultHost != "" && table.SetAudioRetrievalDestination != nil {
		if err := table.SetAudioRetrievalDestination(cfg.Audio.DefaultHost, cfg.Audio.DefaultPort); err != nil {
			slog.Warn("default audio destination unreachable", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.New(cfg.Health.Port)
		g.Go(func() error {
			return healthServer.ListenAndServe(ctx)
		})
		healthServer.SetReady(true)
	}

	// Run the command loop. It returns on QUIT or when the controller
	// closes the command channel.
	g.Go(func() error {
		defer cancel()
		return h.Run()
	})

	if err := g.Wait(); err != nil {
		slog.Error("ttsbridge terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("ttsbridge stopped")
}
