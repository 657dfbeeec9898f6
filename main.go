package main

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"broadcast/server/store"
)

func main() {
	cfg := LoadConfig()

	initLogger(cfg.LogLevel)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	sessions := NewSessionValidator(cfg.SessionSecret)
	registry := NewRegistry(st)
	defer registry.Stop()

	transcodingAvailable := true
	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		transcodingAvailable = false
		slog.Warn("transcoder binary not found; relay falls back to passthrough", "path", cfg.FFmpegPath)
	}
	ffmpegPath = cfg.FFmpegPath
	transcodingEnabled = transcodingAvailable

	signaling := NewSignalingServer(registry, sessions, cfg)
	external := NewExternalRelayServer(registry, sessions, cfg)
	relay := NewRelayServer(registry, transcodingAvailable)
	api := NewAPIServer(registry, sessions, cfg)

	srv := NewServer(":"+cfg.Port, cfg, signaling, external, relay, api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go RunMetrics(ctx, registry, 30*time.Second)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// initLogger installs a process-wide slog handler at the configured
// level, matching the teacher's startup log-level wiring.
func initLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
