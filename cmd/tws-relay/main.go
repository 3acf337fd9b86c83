// ABOUTME: Entry point for the TWS relay
// ABOUTME: Parses CLI flags and serves one audio source to a pair of earbuds
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sendspin/twsync/internal/config"
	"github.com/Sendspin/twsync/internal/relay"
	"github.com/Sendspin/twsync/internal/ui"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	port       = flag.Int("port", 0, "WebSocket relay port")
	name       = flag.String("name", "", "Relay friendly name")
	audioFile  = flag.String("audio", "", "Audio file or HTTP MP3 URL to stream. If not specified, plays test tone")
	codec      = flag.String("codec", "", "Packet codec: pcm or opus")
	logFile    = flag.String("log-file", "tws-relay.log", "Log file path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	rc := cfg.Relay
	useTUI := rc.TUI && !*noTUI

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if useTUI {
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting TWS Relay: %s on port %d", rc.Name, rc.Port)
	if rc.Debug {
		log.Printf("Debug logging enabled")
	}
	log.Printf("Logging to: %s", *logFile)

	source, err := relay.NewAudioSource(rc.Audio, rc.SampleRate)
	if err != nil {
		log.Fatalf("Audio source: %v", err)
	}
	title, artist, _ := source.Metadata()
	log.Printf("Source: %s - %s (%dHz, %d channels)", artist, title, source.SampleRate(), source.Channels())

	srv, err := relay.New(relay.Config{
		Port:       rc.Port,
		Name:       rc.Name,
		EnableMDNS: rc.MDNS,
		Debug:      rc.Debug,
		Stream: relay.StreamConfig{
			Codec:          rc.Codec,
			PacketDuration: rc.PacketDuration,
			StartDelay:     rc.StartDelay,
			Lead:           rc.Lead,
		},
		RestartHoldoff: rc.RestartHoldoff,
	}, source)
	if err != nil {
		log.Fatalf("Relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if useTUI {
		tui := ui.NewRelayTUI()
		if err := tui.Start(rc.Name, rc.Port); err != nil {
			log.Fatalf("Failed to start TUI: %v", err)
		}
		defer tui.Stop()
		srv.OnStatus(tui.Update)
		go func() {
			select {
			case <-tui.QuitChan():
				log.Printf("Received quit signal from TUI")
				srv.Stop()
			case <-ctx.Done():
			}
		}()
	} else {
		log.Printf("Press Ctrl-C to stop")
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
	log.Printf("Relay stopped")
}

// applyFlags overrides the loaded configuration with explicit flags.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Relay.Port = *port
		case "name":
			cfg.Relay.Name = *name
		case "audio":
			cfg.Relay.Audio = *audioFile
		case "codec":
			cfg.Relay.Codec = *codec
		case "debug":
			cfg.Relay.Debug = *debug
		case "no-mdns":
			cfg.Relay.MDNS = !*noMDNS
		}
	})
}
