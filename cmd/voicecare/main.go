// Command voicecare is a console host for the session engine. It streams a
// PCM file as the microphone, reads typed turns from stdin and prints the
// conversation as it happens. Type /ack to acknowledge an emergency.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/comigor/voicecare/internal/audio"
	"github.com/comigor/voicecare/internal/config"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/history"
	"github.com/comigor/voicecare/internal/llm"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/playback"
	"github.com/comigor/voicecare/internal/session"
	"github.com/comigor/voicecare/internal/transport"
)

type flags struct {
	config    string
	audioFile string
	profile   string
	clipsDir  string
	voice     bool
	paced     bool
}

func main() {
	var f flags
	pflag.StringVarP(&f.config, "config", "c", "", "config file (default $CONFIG_PATH or ./config.yaml)")
	pflag.StringVar(&f.audioFile, "audio-file", "", "raw 16-bit mono PCM to stream as the microphone")
	pflag.BoolVar(&f.paced, "paced", true, "stream the audio file in real time")
	pflag.StringVar(&f.profile, "profile", "", "JSON file with the user profile sent at session start")
	pflag.StringVar(&f.clipsDir, "clips-dir", "", "write spoken replies to this directory")
	pflag.BoolVar(&f.voice, "voice", false, "request spoken replies (overrides playback.voice)")
	pflag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := loadConfig(f.config)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)
	logger.L = logger.New(os.Stderr, cfg.Log.Format)

	if err := run(cfg, f); err != nil {
		logger.L.Error("session failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(cfg *config.Config, f flags) error {
	log := logger.L

	profile, err := readProfile(f.profile)
	if err != nil {
		return err
	}
	mon, err := emergency.New(cfg.Emergency.Monitor())
	if err != nil {
		return err
	}

	ch := transport.New(transport.Options{
		URL:               cfg.Endpoint.URL,
		Token:             cfg.Endpoint.Token,
		QueueSize:         cfg.Transport.QueueSize,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		PongTimeout:       cfg.Transport.PongTimeout,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		HandshakeTimeout:  cfg.Endpoint.HandshakeTimeout,
		Backoff:           cfg.Transport.Reconnect.Backoff(),
		Logger:            log,
	})

	opts := session.Options{
		Transport:       ch,
		Voice:           cfg.Playback.Voice || f.voice,
		Monitor:         mon,
		Format:          cfg.Audio.Format(),
		Detector:        cfg.Audio.Detector(),
		Token:           cfg.Endpoint.Token,
		Client:          cfg.Session.Client,
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		ResponseTimeout: cfg.Session.ResponseTimeout,
		CloseTimeout:    cfg.Transport.CloseTimeout,
		ReorderWindow:   cfg.Session.ReorderWindow,
		MailboxSize:     cfg.Session.MailboxSize,
		OnEmergency: func(a session.EmergencyAlert) {
			fmt.Fprintf(os.Stdout, "!!! EMERGENCY (%s) markers=%v. Type /ack once help is on the way.\n",
				a.Detection.Source, a.Detection.Markers)
		},
		Logger: log,
	}
	if f.clipsDir != "" {
		opts.Speaker = &playback.DirSpeaker{Dir: f.clipsDir}
	}

	if cfg.LLM.APIKey != "" {
		client := llm.NewClient(cfg.LLM)
		opts.Transcriber = llm.NewTranscriber(client, cfg.LLM)
		opts.Synthesizer = llm.NewSynthesizer(client, cfg.LLM)
	}

	if cfg.History.Enabled {
		store := history.Open(cfg.History.Path, log)
		defer store.Close()
		opts.Archive = store
	}

	if f.audioFile != "" {
		file, err := os.Open(f.audioFile)
		if err != nil {
			return fmt.Errorf("open audio file: %w", err)
		}
		defer file.Close()
		capture, err := audio.NewCapture(&audio.ReaderMicrophone{R: file, Paced: f.paced}, audio.CaptureConfig{
			Format:        cfg.Audio.Format(),
			ChunkDuration: cfg.Audio.ChunkDuration,
		}, log)
		if err != nil {
			return err
		}
		opts.Capture = capture
	}

	engine, err := session.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(engine.Events())
	}()

	if err := engine.Start(ctx, profile); err != nil {
		_ = engine.End(context.Background())
		<-done
		return err
	}
	fmt.Fprintln(os.Stdout, "Connected. Type a message, /ack to acknowledge an emergency, /quit to leave.")

	lines := make(chan string)
	go readLines(lines)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-done:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(engine, line); quit {
				break loop
			}
		}
	}

	if err := engine.End(context.Background()); err != nil {
		log.Warn("end reported an error", "error", err)
	}
	<-done

	snap, err := engine.Snapshot(context.Background())
	if err == nil {
		fmt.Fprintf(os.Stdout, "Session %s ended (%s) with %d messages.\n", snap.ID, snap.EndReason, len(snap.Messages))
	}
	return nil
}

func readProfile(path string) (json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("profile is not valid JSON")
	}
	return data, nil
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func handleLine(engine *session.Engine, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/ack":
		if err := engine.Acknowledge(); err != nil {
			fmt.Fprintln(os.Stdout, "ack:", err)
		}
		return false
	}
	if err := engine.SendText(line); err != nil {
		fmt.Fprintln(os.Stdout, "send:", err)
	}
	return false
}

func printEvents(events <-chan session.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case session.StateChanged:
			fmt.Fprintf(os.Stdout, "[%s → %s]\n", e.From, e.To)
		case session.PartialTranscript:
			fmt.Fprintf(os.Stdout, "  … %s\n", e.Text)
		case session.MessageAppended:
			fmt.Fprintf(os.Stdout, "%s: %s\n", e.Message.Origin, e.Message.Text)
		case session.ErrorEvent:
			fmt.Fprintf(os.Stdout, "error (%s): %v\n", e.Code, e.Err)
		}
	}
}
