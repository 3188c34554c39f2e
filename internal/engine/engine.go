// Package engine wires the bot together and owns its lifecycle.
//
// It builds all subsystems from config:
//
//  1. Venue client — REST adapter for orders, positions and trading rules.
//  2. Price stream — WebSocket ticker feed with reconnect and a price cache.
//  3. Strategy runner — the single goroutine that turns signals and prices
//     into venue calls.
//  4. Gateway — the webhook listener feeding the runner.
//  5. Health supervisor — periodic self-probe and stream report.
//
// Lifecycle: New() → Start() → [runs until SIGINT or restart] → Stop().
// Startup is ordered so the webhook listener only opens once the venue is
// initialized and the position state is reconciled; a signal can never
// arrive before the bot knows what it holds. The supervisor may request a
// restart, which shuts everything down and re-execs the process image.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"signalbot/internal/config"
	"signalbot/internal/gateway"
	"signalbot/internal/health"
	"signalbot/internal/metrics"
	"signalbot/internal/notify"
	"signalbot/internal/strategy"
	"signalbot/internal/stream"
	"signalbot/internal/venue"
)

// restartDrain is the pause between a finished shutdown and the re-exec,
// giving the venue time to settle cancel requests from the teardown.
const restartDrain = 3 * time.Second

// Engine orchestrates all components of the signal bot.
type Engine struct {
	cfg        *config.Config
	venue      *venue.Client
	stream     *stream.Stream
	runner     *strategy.Runner
	gateway    *gateway.Server
	supervisor *health.Supervisor
	notifier   *notify.Notifier
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce         sync.Once
	restartRequested atomic.Bool

	// restart plumbing, swappable in tests
	drain  time.Duration
	execFn func(argv0 string, argv, env []string) error
	exitFn func(code int)
}

// New creates and wires all engine components. The notifier is built by
// the caller because the log handler needs it before the engine exists.
func New(cfg *config.Config, notifier *notify.Notifier, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
		drain:    restartDrain,
		execFn:   syscall.Exec,
		exitFn:   os.Exit,
	}

	e.venue = venue.NewClient(cfg, logger)
	e.stream = stream.New(cfg.Venue.StreamURL, e.venue.Symbol(), logger)

	runner, err := strategy.New(cfg, e.venue, e.stream, e.stream.Prices(), logger)
	if err != nil {
		cancel()
		return nil, err
	}
	e.runner = runner

	e.gateway = gateway.New(cfg.Server, runner, logger)
	e.supervisor = health.New(cfg.Server.Port, e.stream, e, logger)

	return e, nil
}

// Start brings the bot up in dependency order: notifier probe, venue
// initialization, price stream, state reconciliation, strategy loop,
// supervisor, and only then the webhook listener. Any error keeps the
// listener closed; the caller should Stop() to unwind whatever started.
func (e *Engine) Start() error {
	if err := e.notifier.TestConnection(e.ctx); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	if err := e.venue.Initialize(e.ctx, e.cfg.Trading.Leverage); err != nil {
		return fmt.Errorf("initialize venue: %w", err)
	}

	// Stream before reconciliation so restored watches see live frames
	// as soon as the loop starts.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("stream error", "error", err)
		}
	}()

	if err := e.runner.Restore(e.ctx); err != nil {
		return fmt.Errorf("restore strategy state: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.supervisor.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.gateway.Start(); err != nil && e.ctx.Err() == nil {
			e.logger.Error("gateway error", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"symbol", e.venue.Symbol(),
		"strategy", e.cfg.Trading.Strategy,
		"port", e.cfg.Server.Port,
		"dry_run", e.cfg.DryRun)
	e.notifier.Send(e.ctx, fmt.Sprintf("🤖 Bot started: %s, strategy %s",
		e.venue.Symbol(), e.cfg.Trading.Strategy))
	return nil
}

// Stop shuts the bot down once, in the reverse of startup order. The
// gateway goes first so no new signal lands mid-teardown while in-flight
// webhook verdicts still get answered by the live runner; cancelling the
// root context then unwinds the runner (which drops watches and cancels
// strategy-owned stops), the stream and the supervisor.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.stop)
}

func (e *Engine) stop() {
	e.logger.Info("shutting down...")

	if err := e.gateway.Stop(); err != nil {
		e.logger.Error("gateway shutdown failed", "error", err)
	}

	e.cancel()
	e.wg.Wait()

	st := e.runner.Status()
	e.logger.Info("shutdown complete",
		"variant", st.Variant, "last_action", st.LastAction)
	e.notifier.Send(context.Background(), "🛑 Bot stopped")
}

// RequestRestart schedules a full process re-exec. The first caller wins;
// requests while one is in flight are dropped.
func (e *Engine) RequestRestart(reason string) {
	if !e.restartRequested.CompareAndSwap(false, true) {
		e.logger.Warn("restart already in progress, ignoring request", "reason", reason)
		return
	}
	metrics.IncRestarts()
	e.logger.Warn("restart requested", "reason", reason)

	// Not on the caller's goroutine: the supervisor calls this from
	// inside the WaitGroup that Stop waits on.
	go e.restart(reason)
}

// restart shuts everything down, waits out the drain and replaces the
// process image. Exec only returns on failure, and a process that failed
// to restart must not linger half-dead.
func (e *Engine) restart(reason string) {
	e.notifier.Warning(context.Background(), "Bot restarting: "+reason)
	e.Stop()
	time.Sleep(e.drain)

	exe, err := os.Executable()
	if err == nil {
		e.logger.Info("re-executing", "exe", exe)
		err = e.execFn(exe, os.Args, os.Environ())
	}

	e.logger.Error("re-exec failed, forcing exit", "error", err)
	e.exitFn(1)
}
