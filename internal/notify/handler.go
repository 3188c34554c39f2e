package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	queueSize   = 64
	dedupWindow = time.Minute
)

type alert struct {
	level slog.Level
	text  string
}

// forwarder is the queue shared by every derived Handler. Enqueueing
// never blocks: a full queue or a repeat of the previous alert inside
// the dedup window drops the record on the floor.
type forwarder struct {
	notifier *Notifier
	queue    chan alert
	done     chan struct{}

	mu       sync.Mutex
	lastText string
	lastAt   time.Time
}

func (f *forwarder) enqueue(a alert) {
	f.mu.Lock()
	if a.text == f.lastText && time.Since(f.lastAt) < dedupWindow {
		f.mu.Unlock()
		return
	}
	f.lastText = a.text
	f.lastAt = time.Now()
	f.mu.Unlock()

	select {
	case f.queue <- a:
	default:
	}
}

func (f *forwarder) drain() {
	for {
		select {
		case a := <-f.queue:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if a.level >= slog.LevelError {
				f.notifier.Error(ctx, a.text)
			} else {
				f.notifier.Warning(ctx, a.text)
			}
			cancel()
		case <-f.done:
			return
		}
	}
}

// Handler wraps another slog.Handler and forwards Warn-and-above
// records to the notifier. Delivery happens on a single drainer
// goroutine so logging call sites never wait on the network.
type Handler struct {
	inner slog.Handler
	fwd   *forwarder
	attrs []slog.Attr
}

// NewHandler wraps inner. With a disabled notifier it degrades to a
// plain pass-through. Call Close to stop the drainer.
func NewHandler(inner slog.Handler, notifier *Notifier) *Handler {
	h := &Handler{inner: inner}
	if notifier.Enabled() {
		h.fwd = &forwarder{
			notifier: notifier,
			queue:    make(chan alert, queueSize),
			done:     make(chan struct{}),
		}
		go h.fwd.drain()
	}
	return h
}

// Close stops the drainer goroutine. Queued alerts not yet delivered
// are dropped.
func (h *Handler) Close() {
	if h.fwd != nil {
		close(h.fwd.done)
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	if h.fwd != nil && rec.Level >= slog.LevelWarn {
		h.fwd.enqueue(alert{level: rec.Level, text: h.alertText(rec)})
	}
	return h.inner.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		fwd:   h.fwd,
		attrs: append(slices.Clip(h.attrs), attrs...),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner: h.inner.WithGroup(name),
		fwd:   h.fwd,
		attrs: h.attrs,
	}
}

// alertText flattens the record and its accumulated attrs into one
// line; alerts have no use for structured output.
func (h *Handler) alertText(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	return b.String()
}
