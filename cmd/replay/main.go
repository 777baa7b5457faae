// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main replays a packet capture through an mlwm2m engine. Datagrams
// addressed to the client port are fed to the engine in capture order and
// its replies are logged instead of sent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/mlwm2m"
	"github.com/absmach/mlwm2m/examples/simple"
	"github.com/absmach/mlwm2m/pkg/engine"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func main() {
	file := flag.String("file", "", "pcap or pcapng capture to replay")
	port := flag.Uint("port", 56830, "UDP port of the client in the capture")
	verbose := flag.Bool("v", false, "log every replayed datagram")
	flag.Parse()

	if *file == "" || *port == 0 || *port > 65535 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := mlwm2m.NewConfig(env.Options{Prefix: mlwm2m.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, *file, uint16(*port), logger); err != nil {
		logger.Error("replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg mlwm2m.Config, path string, port uint16, logger *slog.Logger) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	st := store.NewMemory()
	if cfg.StorePath != "" {
		if st, err = store.Load(cfg.StorePath); err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	src, lt, err := openCapture(f)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h := simple.New(logger, st)
	rec := &recorder{logger: logger}
	eng := engine.New(engine.Config{
		EndpointName:  cfg.EndpointName,
		AltPath:       cfg.AltPath,
		AppPrefixes:   cfg.AppPrefixes,
		MaxChunkSize:  cfg.MaxChunkSize,
		MaxBlock1Size: cfg.MaxBlock1Size,
		AckTimeout:    cfg.AckTimeout,
		MaxRetransmit: cfg.MaxRetransmit,
		PushPath:      cfg.PushPath,
		Logger:        logger,
	}, rec, reg, h, h, st)
	eng.SetPushAckCallback(h.OnPushAck)
	h.SetAccessControl(eng)
	if err := eng.LoadACL(ctx); err != nil {
		return err
	}

	stats, err := replay(ctx, src, lt, port, eng, logger)
	logger.Info("replay finished",
		slog.String("file", path),
		slog.Int("packets", stats.Packets),
		slog.Int("skipped", stats.Skipped),
		slog.Int("replies", len(rec.replies)))
	return err
}
