package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexuspref/compressors"
	"github.com/INLOpen/nexuspref/config"
	"github.com/INLOpen/nexuspref/coordinator"
	"github.com/INLOpen/nexuspref/core"
	"github.com/INLOpen/nexuspref/exchange"
	"github.com/INLOpen/nexuspref/hooks"
	"github.com/INLOpen/nexuspref/prefgraph"
	"github.com/INLOpen/nexuspref/prefstore"
	"github.com/INLOpen/nexuspref/reward"
	"github.com/INLOpen/nexuspref/segment"
	"github.com/INLOpen/nexuspref/selector"
	"github.com/INLOpen/nexuspref/server"
	"github.com/INLOpen/nexuspref/snapshot"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	storeCompressor, err := compressors.Parse(cfg.Store.Compression)
	if err != nil {
		logger.Error("Invalid store compression value in config.", "value", cfg.Store.Compression)
		os.Exit(1)
	}
	snapCompressor, err := compressors.Parse(cfg.Snapshot.Compression)
	if err != nil {
		logger.Error("Invalid snapshot compression value in config.", "value", cfg.Snapshot.Compression)
		os.Exit(1)
	}

	metrics := coordinator.NewMetrics(true, "nexuspref_")
	hookManager := hooks.NewHookManager(logger)

	buffer := segment.NewBuffer(segment.Options{
		Capacity:      cfg.Buffer.Capacity,
		OverflowSlack: cfg.Buffer.OverflowSlack,
		Logger:        logger,
		HookManager:   hookManager,
		Pushes:        metrics.SegmentPushesTotal,
		Evictions:     metrics.SegmentEvictionsTotal,
		Rejected:      metrics.SegmentRejectedTotal,
	})

	store, err := prefstore.Open(prefstore.Options{
		Dir:            cfg.Store.Dir,
		SyncMode:       prefstore.SyncMode(cfg.Store.SyncMode),
		MaxSegmentSize: cfg.Store.MaxSegmentSizeBytes,
		Compressor:     storeCompressor,
		Logger:         logger,
		AppendsTotal:   metrics.PreferenceAppendsTotal,
		BytesWritten:   metrics.PreferenceBytesTotal,
	})
	if err != nil {
		logger.Error("Failed to open preference store", "dir", cfg.Store.Dir, "error", err)
		os.Exit(1)
	}

	versionStore, err := snapshot.Open(snapshot.Options{
		Dir:        cfg.Snapshot.Dir,
		Compressor: snapCompressor,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to open version store", "dir", cfg.Snapshot.Dir, "error", err)
		os.Exit(1)
	}

	relabeler := reward.NewRelabeler(reward.RelabelerOptions{
		BlendFactor: cfg.Training.BlendFactor,
	})
	trainer := reward.NewTrainer(reward.TrainerOptions{
		Epochs:       cfg.Training.Epochs,
		LearningRate: cfg.Training.LearningRate,
		Family:       reward.LossFamily(cfg.Training.Family),
		SmoothingEps: cfg.Training.SmoothingEps,
		Logger:       logger,
		Versions:     versionStore.Versions,
	})

	graph := prefgraph.New()

	// The exchange and selector reference each other: terminal query
	// notifications flow back so issued-pair bookkeeping stays exact.
	var sel *selector.Selector
	ex, err := exchange.New(exchange.Options{
		TTL:           config.ParseDuration(cfg.Query.TTL, 30*time.Minute, logger),
		SweepInterval: config.ParseDuration(cfg.Query.SweepInterval, 15*time.Second, logger),
		Logger:        logger,
		HookManager:   hookManager,
		Buffer:        buffer,
		Store:         store,
		OnTerminal: func(q core.Query, answered bool) {
			if sel != nil {
				sel.OnQueryTerminal(q, answered)
			}
		},
		Dispatched: metrics.QueriesDispatchedTotal,
		Answered:   metrics.QueriesAnsweredTotal,
		Expired:    metrics.QueriesExpiredTotal,
	})
	if err != nil {
		logger.Error("Failed to create feedback exchange", "error", err)
		os.Exit(1)
	}

	policy := selector.NewPolicy(cfg.Query.Policy, relabeler.ActiveScorer, graph)
	sel, err = selector.New(selector.Options{
		Buffer:      buffer,
		Exchange:    ex,
		Policy:      policy,
		Logger:      logger,
		HookManager: hookManager,
	})
	if err != nil {
		logger.Error("Failed to create query selector", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.New(coordinator.Options{
		Buffer:                buffer,
		Selector:              sel,
		Exchange:              ex,
		Store:                 store,
		Trainer:               trainer,
		Relabeler:             relabeler,
		Versions:              versionStore,
		Graph:                 graph,
		TargetPending:         cfg.Query.TargetPending,
		RefillInterval:        config.ParseDuration(cfg.Query.RefillInterval, 10*time.Second, logger),
		TrainingIncrement:     cfg.Training.Increment,
		TrainingMaxInterval:   config.ParseDuration(cfg.Training.MaxInterval, 15*time.Minute, logger),
		TrainingCheckInterval: config.ParseDuration(cfg.Training.CheckInterval, 30*time.Second, logger),
		Logger:                logger,
		HookManager:           hookManager,
		Metrics:               metrics,
	})
	if err != nil {
		logger.Error("Failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if err := coord.Start(context.Background()); err != nil {
		logger.Error("Failed to start coordinator", "error", err)
		os.Exit(1)
	}

	var httpSrv *server.HTTPServer
	serverErrChan := make(chan error, 1)
	if cfg.Server.Enabled {
		httpSrv = server.NewHTTPServer(cfg.Server.ListenAddress, coord, logger)
		go func() {
			serverErrChan <- httpSrv.Start()
		}()
	}

	logger.Info("nexuspref running. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		if err != nil {
			logger.Error("Feedback server exited with an error", "error", err)
		}
	case sig := <-quit:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	if httpSrv != nil {
		httpSrv.Stop()
	}
	if err := coord.Close(); err != nil {
		logger.Error("Coordinator shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete.")
}
