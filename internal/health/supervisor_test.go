package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbot/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	stats stream.Stats
}

func (f *fakeStream) Stats() stream.Stats { return f.stats }

type fakeRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeRestarter) RequestRestart(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeRestarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

// newSupervisor points the probe at the given test server.
func newSupervisor(srv *httptest.Server, st StreamStatus, r Restarter) *Supervisor {
	s := New(0, st, r, testLogger())
	s.probeURL = srv.URL + "/health"
	return s
}

func TestProbeGateway(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "healthy",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"status":"ok"}`)
			},
			wantErr: false,
		},
		{
			name: "wrong payload",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"status":"draining"}`)
			},
			wantErr: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := newSupervisor(srv, &fakeStream{}, nil)
			err := s.probeGateway(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("probeGateway() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckRequestsRestartAfterPersistentFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	restarter := &fakeRestarter{}
	s := newSupervisor(srv, &fakeStream{}, restarter)

	for i := 0; i < maxProbeFailures-1; i++ {
		s.check(context.Background())
	}
	if got := restarter.calls(); got != 0 {
		t.Fatalf("restart requested after %d failures, want none before %d",
			maxProbeFailures-1, maxProbeFailures)
	}

	s.check(context.Background())
	if got := restarter.calls(); got != 1 {
		t.Fatalf("restart calls = %d after %d failures, want 1", got, maxProbeFailures)
	}
}

func TestCheckResetsFailureCountOnSuccess(t *testing.T) {
	t.Parallel()

	var healthy bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	restarter := &fakeRestarter{}
	s := newSupervisor(srv, &fakeStream{stats: stream.Stats{Healthy: true}}, restarter)

	s.check(context.Background())
	s.check(context.Background())

	mu.Lock()
	healthy = true
	mu.Unlock()
	s.check(context.Background())
	if s.probeFailures != 0 {
		t.Fatalf("probeFailures = %d after success, want 0", s.probeFailures)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()
	for i := 0; i < maxProbeFailures-1; i++ {
		s.check(context.Background())
	}
	if got := restarter.calls(); got != 0 {
		t.Fatalf("restart calls = %d, want 0 (count must restart after recovery)", got)
	}
}

func TestDescribeStreamHealthy(t *testing.T) {
	t.Parallel()

	st := stream.Stats{
		Healthy:     true,
		Connected:   true,
		LastPriceAt: time.Now().Add(-12 * time.Second),
		LastPrice:   decimal.NewFromInt(4000),
	}
	if got := describeStream(st); !strings.HasPrefix(got, "active (update 1") {
		t.Fatalf("describeStream() = %q, want active with seconds-ago suffix", got)
	}
}

func TestDescribeStream(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name  string
		stats stream.Stats
		want  string
	}{
		{
			name:  "connected but stale",
			stats: stream.Stats{Connected: true},
			want:  "connected, no fresh data",
		},
		{
			name:  "reconnecting",
			stats: stream.Stats{CurrentDowntime: 34 * time.Second},
			want:  "reconnecting (down 34s)",
		},
		{
			name:  "was connected once",
			stats: stream.Stats{LastConnectedAt: now.Add(-time.Hour)},
			want:  "disconnected",
		},
		{
			name:  "never connected",
			stats: stream.Stats{},
			want:  "never connected",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := describeStream(tt.stats); got != tt.want {
				t.Fatalf("describeStream() = %q, want %q", got, tt.want)
			}
		})
	}
}
