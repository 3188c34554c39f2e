// Package stream maintains the live last-price feed for one symbol.
//
// A single WebSocket subscription to the venue's 24h ticker stream produces
// PriceEvents on a buffered channel. The connection auto-reconnects with
// exponential backoff (3s → 60s max) and pings every 20s; a silent server is
// detected within one missed pong window. The most recent price stays cached
// across reconnects so strategy code always has a last-known quote, and a
// consumer that falls behind loses the oldest queued event first — the
// newest price always gets through.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"signalbot/internal/metrics"
	"signalbot/pkg/types"
)

const (
	pingInterval      = 20 * time.Second // how often we ping the venue
	pongTimeout       = 20 * time.Second // missed pong past this forces reconnect
	dialTimeout       = 20 * time.Second
	writeTimeout      = 10 * time.Second
	closeTimeout      = 10 * time.Second // bound on the closing handshake
	initialBackoff    = 3 * time.Second
	maxReconnectWait  = 60 * time.Second
	healthyWindow     = 60 * time.Second // a frame this recent means healthy
	downtimeWarnAfter = 5 * time.Minute  // one-shot alert threshold per outage
	eventBufferSize   = 512
)

// Stream manages the ticker WebSocket connection for one symbol. It handles
// the connection lifecycle, reconnection with exponential backoff, liveness
// pings, and fan-out of parsed prices to the strategy runner.
type Stream struct {
	url    string
	symbol string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	priceCh chan types.PriceEvent

	mu               sync.RWMutex
	running          bool
	connected        bool
	connectionCount  int
	lastPrice        decimal.Decimal
	hasPrice         bool
	lastPriceAt      time.Time
	lastConnectedAt  time.Time
	downSince        time.Time
	droppedEvents    int64
	longOutageWarned bool

	logger *slog.Logger
}

// Stats is a point-in-time view of the stream's connection state, consumed
// by the health supervisor.
type Stats struct {
	Running         bool
	Connected       bool
	Healthy         bool
	ConnectionCount int
	HasPrice        bool
	LastPrice       decimal.Decimal
	LastPriceAt     time.Time
	LastConnectedAt time.Time
	CurrentDowntime time.Duration
	DroppedEvents   int64
}

// New creates a stream for the symbol's ticker channel.
func New(streamURL, symbol string, logger *slog.Logger) *Stream {
	return &Stream{
		url:     strings.TrimRight(streamURL, "/") + "/ws/" + strings.ToLower(symbol) + "@ticker",
		symbol:  symbol,
		priceCh: make(chan types.PriceEvent, eventBufferSize),
		logger:  logger.With("component", "price-stream"),
	}
}

// Prices returns the channel of parsed last-price events.
func (s *Stream) Prices() <-chan types.PriceEvent {
	return s.priceCh
}

// LastPrice returns the most recently observed price. The cache survives
// reconnects; ok is false until the first frame arrives.
func (s *Stream) LastPrice() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrice, s.hasPrice
}

// IsHealthy reports whether the stream produced a frame within the healthy
// window. Connection state is deliberately ignored: a reconnect in progress
// with a recent price is not an outage.
func (s *Stream) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasPrice && time.Since(s.lastPriceAt) <= healthyWindow
}

// Stats snapshots the connection state.
func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Running:         s.running,
		Connected:       s.connected,
		ConnectionCount: s.connectionCount,
		HasPrice:        s.hasPrice,
		LastPrice:       s.lastPrice,
		LastPriceAt:     s.lastPriceAt,
		LastConnectedAt: s.lastConnectedAt,
		DroppedEvents:   s.droppedEvents,
	}
	st.Healthy = s.hasPrice && time.Since(s.lastPriceAt) <= healthyWindow
	if !s.downSince.IsZero() {
		st.CurrentDowntime = time.Since(s.downSince)
	}
	return st
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.downSince = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	backoff := initialBackoff
	for {
		connected, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = initialBackoff
		}
		s.warnLongOutage()
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 3s, 6s, 12s, ..., 60s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.markConnected()
	metrics.IncStreamConnects()
	s.logger.Info("stream connected", "url", s.url)

	defer func() {
		s.closeConn(conn)
		s.markDisconnected()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	// Read loop with deadline so we reconnect if the venue goes silent
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		s.handleFrame(msg)
	}
}

// handleFrame parses one ticker payload and publishes its last price.
func (s *Stream) handleFrame(data []byte) {
	var frame types.TickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}
	if frame.LastPrice == "" {
		s.logger.Debug("ignoring frame without price", "type", frame.EventType)
		return
	}
	price, err := decimal.NewFromString(frame.LastPrice)
	if err != nil {
		s.logger.Error("unparseable last price", "raw", frame.LastPrice, "error", err)
		return
	}

	evt := types.PriceEvent{Price: price, At: time.Now()}

	s.mu.Lock()
	s.lastPrice = price
	s.hasPrice = true
	s.lastPriceAt = evt.At
	s.mu.Unlock()
	metrics.SetLastPrice(price.InexactFloat64())

	select {
	case s.priceCh <- evt:
	default:
		// consumer is behind: shed the oldest event, newest price wins
		select {
		case <-s.priceCh:
			s.mu.Lock()
			s.droppedEvents++
			s.mu.Unlock()
			metrics.IncStreamDrops()
		default:
		}
		select {
		case s.priceCh <- evt:
		default:
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			s.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			s.connMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(closeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Stream) markConnected() {
	s.mu.Lock()
	s.connected = true
	s.connectionCount++
	s.lastConnectedAt = time.Now()
	s.downSince = time.Time{}
	s.longOutageWarned = false
	s.mu.Unlock()
}

func (s *Stream) markDisconnected() {
	s.mu.Lock()
	if s.connected || s.downSince.IsZero() {
		s.downSince = time.Now()
	}
	s.connected = false
	s.mu.Unlock()
}

// warnLongOutage logs once per outage after the downtime threshold.
func (s *Stream) warnLongOutage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.longOutageWarned || s.downSince.IsZero() {
		return
	}
	if down := time.Since(s.downSince); down > downtimeWarnAfter {
		s.longOutageWarned = true
		s.logger.Warn("stream down for an extended period",
			"downtime", down.Round(time.Second),
			"connection_count", s.connectionCount,
		)
	}
}
