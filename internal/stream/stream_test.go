package stream

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestStream(buffer int) *Stream {
	return &Stream{
		symbol:  "ETHUSDT",
		priceCh: make(chan types.PriceEvent, buffer),
		logger:  testLogger(),
	}
}

func TestNewBuildsTickerURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		streamURL string
		symbol    string
		want      string
	}{
		{
			name:      "plain base",
			streamURL: "wss://fstream.binance.com",
			symbol:    "ETHUSDT",
			want:      "wss://fstream.binance.com/ws/ethusdt@ticker",
		},
		{
			name:      "trailing slash trimmed",
			streamURL: "wss://fstream.binance.com/",
			symbol:    "BTCUSDT",
			want:      "wss://fstream.binance.com/ws/btcusdt@ticker",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(tt.streamURL, tt.symbol, testLogger())
			if s.url != tt.want {
				t.Errorf("url = %q, want %q", s.url, tt.want)
			}
		})
	}
}

func TestHandleFramePublishesPrice(t *testing.T) {
	t.Parallel()

	s := newTestStream(8)
	payload := []byte(`{"e":"24hrTicker","E":1693207023000,"s":"ETHUSDT","c":"3950.25"}`)

	s.handleFrame(payload)

	price, ok := s.LastPrice()
	if !ok {
		t.Fatal("LastPrice ok = false after frame, want true")
	}
	want := decimal.RequireFromString("3950.25")
	if !price.Equal(want) {
		t.Errorf("cached price = %s, want %s", price, want)
	}

	select {
	case evt := <-s.Prices():
		if !evt.Price.Equal(want) {
			t.Errorf("event price = %s, want %s", evt.Price, want)
		}
		if evt.At.IsZero() {
			t.Error("event timestamp is zero")
		}
	default:
		t.Fatal("no event on price channel")
	}
}

func TestHandleFrameIgnoresBadPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `pong`},
		{name: "no price field", payload: `{"e":"24hrTicker","s":"ETHUSDT"}`},
		{name: "unparseable price", payload: `{"e":"24hrTicker","s":"ETHUSDT","c":"abc"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStream(8)
			s.handleFrame([]byte(tt.payload))

			if _, ok := s.LastPrice(); ok {
				t.Error("LastPrice ok = true after bad payload, want false")
			}
			select {
			case evt := <-s.Prices():
				t.Errorf("unexpected event emitted: %+v", evt)
			default:
			}
		})
	}
}

func TestHandleFrameShedsOldestWhenFull(t *testing.T) {
	t.Parallel()

	s := newTestStream(1)
	s.handleFrame([]byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"100"}`))
	s.handleFrame([]byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"200"}`))
	s.handleFrame([]byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"300"}`))

	evt := <-s.Prices()
	want := decimal.NewFromInt(300)
	if !evt.Price.Equal(want) {
		t.Errorf("surviving event price = %s, want %s", evt.Price, want)
	}

	st := s.Stats()
	if st.DroppedEvents != 2 {
		t.Errorf("DroppedEvents = %d, want 2", st.DroppedEvents)
	}
}

func TestIsHealthy(t *testing.T) {
	t.Parallel()

	s := newTestStream(8)
	if s.IsHealthy() {
		t.Error("new stream reports healthy")
	}

	s.markConnected()
	if s.IsHealthy() {
		t.Error("connected stream with no frames reports healthy")
	}

	s.handleFrame([]byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"3950"}`))
	if !s.IsHealthy() {
		t.Error("connected stream with a fresh frame reports unhealthy")
	}

	s.mu.Lock()
	s.lastPriceAt = time.Now().Add(-2 * healthyWindow)
	s.mu.Unlock()
	if s.IsHealthy() {
		t.Error("stream with a stale frame reports healthy")
	}

	// A reconnect in progress does not matter while the last frame is fresh.
	s.mu.Lock()
	s.lastPriceAt = time.Now()
	s.mu.Unlock()
	s.markDisconnected()
	if !s.IsHealthy() {
		t.Error("reconnecting stream with a fresh frame reports unhealthy")
	}
}

func TestConnectionBookkeeping(t *testing.T) {
	t.Parallel()

	s := newTestStream(8)

	s.markConnected()
	st := s.Stats()
	if !st.Connected {
		t.Error("Connected = false after markConnected")
	}
	if st.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d, want 1", st.ConnectionCount)
	}
	if st.CurrentDowntime != 0 {
		t.Errorf("CurrentDowntime = %v while connected, want 0", st.CurrentDowntime)
	}

	s.markDisconnected()
	downSince := func() time.Time {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.downSince
	}
	first := downSince()
	if first.IsZero() {
		t.Fatal("downSince not set after markDisconnected")
	}

	// Repeated dial failures must not move the outage start forward.
	time.Sleep(5 * time.Millisecond)
	s.markDisconnected()
	if got := downSince(); !got.Equal(first) {
		t.Errorf("downSince moved from %v to %v across repeated disconnects", first, got)
	}

	st = s.Stats()
	if st.CurrentDowntime <= 0 {
		t.Errorf("CurrentDowntime = %v while disconnected, want > 0", st.CurrentDowntime)
	}

	s.markConnected()
	if got := downSince(); !got.IsZero() {
		t.Errorf("downSince = %v after reconnect, want zero", got)
	}
	if st := s.Stats(); st.ConnectionCount != 2 {
		t.Errorf("ConnectionCount = %d, want 2", st.ConnectionCount)
	}
}

func TestWarnLongOutageFiresOncePerOutage(t *testing.T) {
	t.Parallel()

	s := newTestStream(8)

	s.mu.Lock()
	s.downSince = time.Now().Add(-downtimeWarnAfter - time.Minute)
	s.mu.Unlock()

	s.warnLongOutage()
	s.mu.RLock()
	warned := s.longOutageWarned
	s.mu.RUnlock()
	if !warned {
		t.Fatal("longOutageWarned = false after threshold exceeded")
	}

	// Second call is a no-op; the flag only resets on reconnect.
	s.warnLongOutage()

	s.markConnected()
	s.mu.RLock()
	warned = s.longOutageWarned
	s.mu.RUnlock()
	if warned {
		t.Error("longOutageWarned not reset by reconnect")
	}
}

func TestWarnLongOutageBelowThreshold(t *testing.T) {
	t.Parallel()

	s := newTestStream(8)
	s.mu.Lock()
	s.downSince = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	s.warnLongOutage()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.longOutageWarned {
		t.Error("longOutageWarned = true before threshold")
	}
}
