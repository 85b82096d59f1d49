package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/phpprof/telemetry-relay/internal/breaker"
	"github.com/phpprof/telemetry-relay/internal/buffer"
	"github.com/phpprof/telemetry-relay/internal/config"
	"github.com/phpprof/telemetry-relay/internal/health"
	"github.com/phpprof/telemetry-relay/internal/logging"
	"github.com/phpprof/telemetry-relay/internal/receiver"
	"github.com/phpprof/telemetry-relay/internal/relay"
	"github.com/phpprof/telemetry-relay/internal/replay"
	"github.com/phpprof/telemetry-relay/internal/transmit"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	sinkEndpoint := flag.String("sink-endpoint", "", "sink ingestion URL (overrides config)")
	ingestAddr := flag.String("ingest-addr", "", "ingest listen address (overrides config)")
	statsAddr := flag.String("stats-addr", "", "stats listen address (overrides config)")
	bufferDir := flag.String("buffer-dir", "", "buffer directory (overrides config)")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("telemetry-relay %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("failed to load configuration", logging.F(
			"error", err.Error(),
			"path", *configPath,
		))
	}
	if err := cfg.ApplyEnv(); err != nil {
		logging.Fatal("invalid environment override", logging.F("error", err.Error()))
	}
	if *sinkEndpoint != "" {
		cfg.Sink.Endpoint = *sinkEndpoint
	}
	if *ingestAddr != "" {
		cfg.Ingest.Address = *ingestAddr
	}
	if *statsAddr != "" {
		cfg.Stats.Address = *statsAddr
	}
	if *bufferDir != "" {
		cfg.Buffer.Dir = *bufferDir
	}
	if err := cfg.Validate(); err != nil {
		if *validateOnly {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logging.SetMinLevel(logLevel(cfg.Logging.Level))
	logging.SetResource(map[string]string{
		"service.name":        "telemetry-relay",
		"service.version":     version,
		"service.instance.id": uuid.NewString(),
	})

	tracker := &health.ErrorTracker{}
	logging.SetHook(tracker.Hook())

	statePath := cfg.Breaker.StateFile
	if statePath == "" {
		statePath = filepath.Join(cfg.Buffer.Dir, "breaker-state.json")
	}
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeout),
		StatePath:        statePath,
	})

	buf, err := buffer.Open(buffer.Config{
		Dir:            cfg.Buffer.Dir,
		MemoryCapacity: cfg.Buffer.MemoryCapacity,
		MaxBytes:       int64(cfg.Buffer.MaxBytes),
		Compression:    cfg.Buffer.Compression,
	})
	if err != nil {
		logging.Fatal("failed to open durable buffer", logging.F(
			"error", err.Error(),
			"dir", cfg.Buffer.Dir,
		))
	}

	sink, err := transmit.NewHTTPSink(transmit.HTTPSinkConfig{
		Endpoint:            cfg.Sink.Endpoint,
		Auth:                cfg.Sink.Auth,
		TLS:                 cfg.Sink.TLS,
		MaxIdleConnsPerHost: cfg.Sink.MaxIdleConnsPerHost,
	})
	if err != nil {
		logging.Fatal("failed to create sink", logging.F("error", err.Error()))
	}
	defer sink.Close()

	tx := transmit.New(sink, brk, time.Duration(cfg.Sink.SendTimeout))
	rc := replay.New(buf, tx, cfg.Relay.BatchSize, time.Duration(cfg.Relay.ReplayPause))
	rl := relay.New(buf, brk, tx, rc, relay.Config{
		FlushInterval:  time.Duration(cfg.Relay.FlushInterval),
		BatchSize:      cfg.Relay.BatchSize,
		EagerThreshold: cfg.Relay.EagerThreshold,
		ShutdownGrace:  time.Duration(cfg.Relay.ShutdownGrace),
	})

	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	go rl.Start(relayCtx)

	ingest, err := receiver.New(receiver.Config{
		Addr: cfg.Ingest.Address,
		Auth: cfg.Ingest.Auth,
		TLS:  cfg.Ingest.TLS,
	}, rl)
	if err != nil {
		logging.Fatal("failed to create ingest receiver", logging.F("error", err.Error()))
	}

	checker := health.New()
	checker.RegisterReadiness("buffer_dir", func() error {
		_, err := os.Stat(cfg.Buffer.Dir)
		return err
	})

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.HandleFunc("/live", checker.LiveHandler())
	statsMux.HandleFunc("/ready", checker.ReadyHandler())
	statsMux.HandleFunc("/status", health.StatusHandler(health.StatusSources{
		Breaker: brk.Snapshot,
		Buffer:  buf.Stats,
		Replay:  rc.Status,
	}, tracker))
	statsServer := &http.Server{
		Addr:              cfg.Stats.Address,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := ingest.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingest receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.Stats.Address))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})

	logging.Info("telemetry-relay started", logging.F(
		"version", version,
		"ingest_addr", cfg.Ingest.Address,
		"stats_addr", cfg.Stats.Address,
		"sink_endpoint", cfg.Sink.Endpoint,
		"buffer_dir", cfg.Buffer.Dir,
		"circuit_state", brk.State().String(),
		"recovered_backlog", buf.Len(),
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	checker.SetShuttingDown()

	// Stop accepting new records, then let the relay flush what it holds.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Relay.ShutdownGrace))
	defer shutdownCancel()
	if err := ingest.Stop(shutdownCtx); err != nil {
		logging.Error("ingest shutdown error", logging.F("error", err.Error()))
	}

	relayCancel()
	rl.Wait()

	if err := statsServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("stats server shutdown error", logging.F("error", err.Error()))
	}
	if err := g.Wait(); err != nil {
		logging.Error("server error", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}

func logLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
