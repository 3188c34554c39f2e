// Package health periodically probes the bot's own webhook endpoint and
// reports on the price stream's connection state. The supervisor only
// observes: it never touches trading state. Its single side effect is
// requesting a process restart when the gateway stays unresponsive.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"signalbot/internal/stream"
)

const (
	checkInterval = 10 * time.Minute
	initialDelay  = 10 * time.Second
	probeTimeout  = 10 * time.Second

	// Consecutive self-probe failures before the supervisor gives up on
	// the listener and asks for a restart.
	maxProbeFailures = 3
)

// StreamStatus is the stream view the supervisor reports on.
type StreamStatus interface {
	Stats() stream.Stats
}

// Restarter schedules a process restart. Implemented by the engine.
type Restarter interface {
	RequestRestart(reason string)
}

// Supervisor runs the periodic health check loop.
type Supervisor struct {
	probeURL  string
	stream    StreamStatus
	restarter Restarter
	client    *resty.Client
	logger    *slog.Logger

	probeFailures int // consecutive, reset on the first success
}

// New creates a supervisor probing the local gateway on the given port.
func New(port int, status StreamStatus, restarter Restarter, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		probeURL:  fmt.Sprintf("http://127.0.0.1:%d/health", port),
		stream:    status,
		restarter: restarter,
		client:    resty.New().SetTimeout(probeTimeout),
		logger:    logger.With("component", "health"),
	}
}

// Run blocks until ctx is cancelled, checking every ten minutes after a
// short startup delay so the listener is up before the first probe.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("health supervisor started", "interval", checkInterval)

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		s.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check probes the gateway, then reports the stream's state. A failed
// probe skips the stream report: with the listener down, the operator's
// first problem is not the WebSocket.
func (s *Supervisor) check(ctx context.Context) {
	if err := s.probeGateway(ctx); err != nil {
		s.probeFailures++
		s.logger.Error("gateway self-probe failed",
			"error", err,
			"consecutive", s.probeFailures)
		if s.probeFailures >= maxProbeFailures && s.restarter != nil {
			s.restarter.RequestRestart("gateway unresponsive")
		}
		return
	}
	s.probeFailures = 0
	s.reportStream()
}

func (s *Supervisor) probeGateway(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var body struct {
		Status string `json:"status"`
	}
	resp, err := s.client.R().
		SetContext(probeCtx).
		SetResult(&body).
		Get(s.probeURL)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode())
	}
	if body.Status != "ok" {
		return fmt.Errorf("health endpoint returned unexpected payload %q", body.Status)
	}
	return nil
}

func (s *Supervisor) reportStream() {
	st := s.stream.Stats()

	reconnects := st.ConnectionCount - 1
	if reconnects < 0 {
		reconnects = 0
	}

	if st.Healthy {
		s.logger.Info("health check ok",
			"stream", describeStream(st),
			"price", st.LastPrice,
			"reconnects", reconnects)
		return
	}
	s.logger.Warn("health check: stream degraded",
		"stream", describeStream(st),
		"last_price", st.LastPrice,
		"reconnects", reconnects)
}

// describeStream renders the connection state for the check log line.
func describeStream(st stream.Stats) string {
	switch {
	case st.Healthy:
		if !st.LastPriceAt.IsZero() {
			return fmt.Sprintf("active (update %.0fs ago)", time.Since(st.LastPriceAt).Seconds())
		}
		return "active"
	case st.Connected:
		return "connected, no fresh data"
	case st.CurrentDowntime > 0:
		return fmt.Sprintf("reconnecting (down %.0fs)", st.CurrentDowntime.Seconds())
	case !st.LastConnectedAt.IsZero():
		return "disconnected"
	default:
		return "never connected"
	}
}
