// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the mlwm2m LWM2M client daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mlwm2m"
	"github.com/absmach/mlwm2m/examples/simple"
	"github.com/absmach/mlwm2m/pkg/arbiter"
	"github.com/absmach/mlwm2m/pkg/breaker"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/engine"
	"github.com/absmach/mlwm2m/pkg/health"
	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/absmach/mlwm2m/pkg/ratelimit"
	"github.com/absmach/mlwm2m/pkg/server/udp"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := mlwm2m.NewConfig(env.Options{Prefix: mlwm2m.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	reg, err := cfg.Registry()
	if err != nil {
		logger.Error("invalid server list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := store.NewMemory()
	if cfg.StorePath != "" {
		if st, err = store.Load(cfg.StorePath); err != nil {
			logger.Error("failed to load objects", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	m := metrics.New("mlwm2m", prometheus.DefaultRegisterer)

	srv := udp.New(udp.Config{
		Address:        cfg.Address,
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		BufferSize:     cfg.BufferSize,
		RateLimit: ratelimit.Config{
			Capacity:       cfg.RateLimitCapacity,
			Rate:           cfg.RateLimitRefill,
			GlobalCapacity: cfg.GlobalRateCapacity,
			GlobalRate:     cfg.GlobalRateRefill,
		},
		Breaker: breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		},
		Logger:  logger,
		Metrics: m,
	})

	h := simple.New(logger, st)
	eng := engine.New(engine.Config{
		EndpointName:     cfg.EndpointName,
		AltPath:          cfg.AltPath,
		AppPrefixes:      cfg.AppPrefixes,
		MaxChunkSize:     cfg.MaxChunkSize,
		MaxBlock1Size:    cfg.MaxBlock1Size,
		AckTimeout:       cfg.AckTimeout,
		MaxRetransmit:    cfg.MaxRetransmit,
		ExchangeLifetime: cfg.ExchangeLifetime,
		EventQueueLength: cfg.EventQueueLength,
		PushPath:         cfg.PushPath,
		Logger:           logger,
		Metrics:          m,
	}, srv, reg, h, h, st)
	h.SetAccessControl(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadACL(ctx); err != nil {
		logger.Error("failed to load access control objects", slog.String("error", err.Error()))
		os.Exit(1)
	}

	arb := arbiter.New(arbiter.Config{
		EventChannelLength: cfg.DispatchQueue,
		LogDebug:           cfg.LogLevel == "debug",
		OnPushAck:          h.OnPushAck,
		Logger:             logger,
		Metrics:            m,
	}, eng)
	defer arb.Shutdown()
	h.SetResponder(arb)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("engine", func(ctx context.Context) error {
		return arb.Do(ctx, func(*engine.Engine) {})
	})
	checker.Register("udp", srv.Check)

	logger.Info("Starting mlwm2m",
		slog.String("endpoint", cfg.EndpointName),
		slog.Int("servers", reg.Count()),
		slog.Int("objects", len(st.Objects())))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(ctx, arb)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, logger)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.HTTPHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		return serveHTTP(ctx, "health", cfg.HealthPort, mux, logger)
	})

	if cfg.PushServer != 0 && cfg.PushInterval > 0 {
		g.Go(func() error {
			pushLoop(ctx, arb, st, cfg, logger)
			return nil
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var werr error
	select {
	case werr = <-done:
	case <-ctx.Done():
		select {
		case werr = <-done:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("Shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	if werr != nil {
		logger.Error(fmt.Sprintf("mlwm2m service terminated with error: %s", werr))
		os.Exit(1)
	}
	logger.Info("mlwm2m service stopped")
}

// pushLoop sends the configured object to the push server every interval.
// A push still in flight skips the tick.
func pushLoop(ctx context.Context, arb *arbiter.Arbiter, st store.Store, cfg mlwm2m.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		code, records := st.ReadData(ctx, coap.ObjectURI(cfg.PushObject))
		if code != codes.Content {
			logger.Warn("push object unavailable",
				slog.Int("object", int(cfg.PushObject)),
				slog.String("code", code.String()))
			continue
		}
		payload, err := simple.Encode(records)
		if err != nil {
			logger.Error("failed to encode push payload", slog.String("error", err.Error()))
			continue
		}
		mid, err := arb.Push(ctx, cfg.PushServer, payload, message.AppCBOR)
		if err != nil {
			logger.Warn("data push not started",
				slog.Int("server", int(cfg.PushServer)),
				slog.String("error", err.Error()))
			continue
		}
		logger.Debug("data push started",
			slog.Int("server", int(cfg.PushServer)),
			slog.Int("mid", int(mid)),
			slog.Int("payload_size", len(payload)))
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an HTTP server on port until ctx is cancelled. A zero
// port disables it.
func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting "+name+" server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
