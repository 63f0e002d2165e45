// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pttbox/pttbox/internal/api"
	"github.com/pttbox/pttbox/internal/audio"
	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/floor"
	"github.com/pttbox/pttbox/internal/hub"
	"github.com/pttbox/pttbox/internal/logfile"
	"github.com/pttbox/pttbox/internal/names"
	"github.com/pttbox/pttbox/internal/push"
	"github.com/pttbox/pttbox/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var rotator *logfile.Rotator
	var logOut io.Writer = os.Stdout
	if cfg.EnableFileLog {
		rotator = logfile.NewRotator(cfg.LogsDir)
		logOut = io.MultiWriter(os.Stdout, rotator)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting pttbox",
		"port", cfg.HTTPPort,
		"relay", cfg.EnableRelay,
		"local_audio", cfg.EnableLocalAudio,
		"server_mic", cfg.EnableServerMic,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var relayDriver *relay.Driver
	if cfg.EnableRelay {
		relayDriver = relay.Open(cfg.RelayPort, cfg.RelayBaudRate)
	} else {
		relayDriver = relay.Disabled()
	}

	arbiter := floor.New(cfg.PTTTimeout)
	egress := audio.NewEgress(cfg)
	nameStore := names.Load(cfg.ClientNamesPath())
	pushSvc := push.New(cfg.VapidPublicKey, cfg.VapidPrivateKey, cfg.VapidSubject)

	h := hub.New(cfg, arbiter, relayDriver, egress, nameStore, pushSvc)

	mic := audio.NewMicSource(cfg, h.WriteServerMicFrame)
	go mic.Run(ctx)
	go arbiter.Run(ctx)
	if cfg.EnableFileLog {
		go logfile.RunSweeper(ctx, cfg.LogsDir, cfg.LogRetentionDays)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	api.NewServer(cfg, h).Register(mux)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	addr := ":" + cfg.HTTPPort
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server listening", "addr", addr)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	h.Shutdown()
	egress.Close()
	relayDriver.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if rotator != nil {
		rotator.Close()
	}
	slog.Info("shutdown complete")
}
