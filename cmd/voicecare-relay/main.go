// Command voicecare-relay serves the conversation endpoint backed by an
// OpenAI-compatible API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/comigor/voicecare/internal/config"
	"github.com/comigor/voicecare/internal/emergency"
	"github.com/comigor/voicecare/internal/history"
	"github.com/comigor/voicecare/internal/llm"
	"github.com/comigor/voicecare/internal/logger"
	"github.com/comigor/voicecare/internal/relay"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default $CONFIG_PATH or ./config.yaml)")
	pflag.Parse()

	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Format)
	log := logger.L

	if cfg.LLM.APIKey == "" {
		log.Warn("llm.api_key is empty; requests to the provider will fail")
	}
	client := llm.NewClient(cfg.LLM)

	mon, err := emergency.New(cfg.Emergency.Monitor())
	if err != nil {
		log.Error("invalid emergency configuration", "error", err)
		os.Exit(1)
	}

	opts := relay.Options{
		Tokens:      cfg.Server.Tokens,
		Reasoner:    llm.NewReasoner(client, cfg.LLM, log),
		Transcriber: llm.NewTranscriber(client, cfg.LLM),
		Synthesizer: llm.NewSynthesizer(client, cfg.LLM),
		Monitor:     mon,
		Logger:      log,
	}
	if cfg.History.Enabled {
		store := history.Open(cfg.History.Path, log)
		defer store.Close()
		opts.Archive = store
	}

	srv, err := relay.New(opts)
	if err != nil {
		log.Error("failed to create relay", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("starting server", "address", httpSrv.Addr, "model", cfg.LLM.Model)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
}
