// Signal Bot — a single-symbol perpetual-futures trading bot driven by
// TradingView webhook alerts.
//
// Architecture:
//
//	main.go              — entry point: loads config, builds the logger, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires venue → stream → strategy → gateway → supervisor, owns restarts
//	strategy/runner.go   — single goroutine owning all trading state: signal filter, price watches, variant dispatch
//	strategy/classic.go  — market entries and reversals only
//	strategy/stop.go     — classic plus a trailing stop-limit armed at a profit threshold
//	strategy/take.go     — classic plus a two-level reduce-only take-profit ladder
//	strategy/hedging.go  — dual-side machine hedging a drawdown with stop/trigger/TP levels
//	venue/client.go      — signed REST adapter: orders, positions, trading rules, rate limits
//	stream/stream.go     — WebSocket ticker feed with reconnect, price cache and drop-oldest fanout
//	gateway/server.go    — gin webhook listener with IP allowlist
//	health/supervisor.go — periodic self-probe and stream report, restart trigger
//	notify/notifier.go   — out-of-band alerts; a slog handler forwards Warn+ records
//
// How it trades:
//
//	A TradingView alert posts "buy" or "sell" to /webhook. The runner
//	filters duplicate actions, sizes a market order from the configured
//	margin and leverage, and manages the resulting position according to
//	the selected variant — protecting it with venue-side stops, a
//	take-profit ladder or an opposite-side hedge, all driven by
//	single-shot price watches on the ticker stream.
package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"signalbot/internal/config"
	"signalbot/internal/engine"
	"signalbot/internal/notify"
)

func main() {
	// .env is optional; deployments may set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("BOT_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, notifier, closeLog := buildLogger(cfg)
	defer closeLog()

	eng, err := engine.New(cfg, notifier, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

// buildLogger assembles the logging stack: text or JSON to stdout, an
// optional rotating file, and the notifier's forwarding handler on top so
// Warn-and-above records reach the operator. The notifier itself logs
// through the base handler only — its own failures must not loop back
// into it.
func buildLogger(cfg *config.Config) (*slog.Logger, *notify.Notifier, func()) {
	var out io.Writer = os.Stdout
	var logFile *lumberjack.Logger
	if cfg.Logging.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, logFile)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var base slog.Handler
	if cfg.Logging.Format == "json" {
		base = slog.NewJSONHandler(out, opts)
	} else {
		base = slog.NewTextHandler(out, opts)
	}

	notifier := notify.New(cfg.Notifier, slog.New(base))
	handler := notify.NewHandler(base, notifier)

	closeLog := func() {
		handler.Close()
		if logFile != nil {
			_ = logFile.Close()
		}
	}
	return slog.New(handler), notifier, closeLog
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
