// ABOUTME: Entry point for the TWS earbud
// ABOUTME: Parses CLI flags, loads configuration and runs one earbud node
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sendspin/twsync/internal/config"
	"github.com/Sendspin/twsync/internal/earbud"
	"github.com/Sendspin/twsync/internal/trace"
	"github.com/Sendspin/twsync/internal/ui"
	"github.com/Sendspin/twsync/internal/version"
	"github.com/Sendspin/twsync/pkg/aps"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	relayAddr  = flag.String("relay", "", "Relay address host:port (skip mDNS)")
	name       = flag.String("name", "", "Earbud name (default: hostname)")
	side       = flag.String("side", "", "Earbud side: left or right")
	output     = flag.String("output", "", "Renderer: dac or oto")
	traceDB    = flag.String("trace-db", "", "SQLite file for engine diagnostics")
	logFile    = flag.String("log-file", "tws-earbud.log", "Log file path")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	useTUI := cfg.Earbud.TUI && !*noTUI

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	// TUI mode logs only to file.
	var w io.Writer = f
	if !useTUI {
		w = io.MultiWriter(os.Stdout, f)
	}
	log.SetOutput(w)
	level := slog.LevelInfo
	if *debug || cfg.Earbud.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	engineCfg, err := cfg.Engine.APS()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink aps.DiagnosticSink
	if cfg.Trace.DB != "" {
		store, err := trace.Open(cfg.Trace.DB)
		if err != nil {
			log.Fatalf("Trace: %v", err)
		}
		defer store.Close()
		run, err := store.NewRun(ctx, cfg.Earbud.Name)
		if err != nil {
			log.Fatalf("Trace: %v", err)
		}
		s := store.NewSink(run, cfg.Trace.Buffer, logger)
		defer s.Close()
		sink = s
		log.Printf("Tracing engine diagnostics to %s (run %s)", cfg.Trace.DB, run)
	}

	appCfg := earbud.Config{
		RelayAddr:      cfg.Earbud.Relay,
		PeerID:         cfg.Earbud.PeerID,
		Name:           cfg.Earbud.Name,
		Side:           cfg.Earbud.Side,
		Mode:           cfg.Earbud.SessionMode(),
		Output:         cfg.Earbud.Output,
		DeviceLatency:  cfg.Earbud.DeviceLatency,
		Capacity:       cfg.Earbud.Capacity,
		DriftPPM:       cfg.Earbud.DriftPPM,
		Volume:         cfg.Earbud.Volume,
		StatusInterval: cfg.Earbud.StatusInterval,
		Engine:         engineCfg,
		Sink:           sink,
		Logger:         logger,
	}

	if useTUI {
		volumeCtrl := ui.NewVolumeControl()
		prog := ui.Run(volumeCtrl)
		go func() {
			if _, err := prog.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
			stop()
		}()
		defer prog.Quit()

		appCfg.OnStatus = func(msg ui.StatusMsg) { go prog.Send(msg) }
		appCfg.VolumeChanges = volumeCtrl.Changes
		go func() {
			select {
			case <-volumeCtrl.Quit:
				log.Printf("Received quit signal from TUI")
				stop()
			case <-ctx.Done():
			}
		}()
	} else {
		log.Printf("Starting %s: %s (%s)", version.Product, cfg.Earbud.Name, cfg.Earbud.Side)
	}

	if err := earbud.New(appCfg).Run(ctx); err != nil {
		log.Printf("Earbud stopped: %v", err)
		return
	}
	log.Printf("Earbud stopped")
}

// applyFlags overrides the loaded configuration with explicit flags.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "relay":
			cfg.Earbud.Relay = *relayAddr
		case "name":
			cfg.Earbud.Name = *name
		case "side":
			cfg.Earbud.Side = *side
		case "output":
			cfg.Earbud.Output = *output
		case "trace-db":
			cfg.Trace.DB = *traceDB
		}
	})
}
