// Package metrics holds the bot's Prometheus collectors. Collectors are
// registered on the default registry at init time; components update them
// through the helpers below so instrumentation stays one call wide at the
// call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_signals_total",
		Help: "Webhook signals processed, partitioned by outcome.",
	}, []string{"status"})

	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_total",
		Help: "Orders submitted to the venue, partitioned by order type.",
	}, []string{"type"})

	watchFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_price_watch_fires_total",
		Help: "Price watches that reached their target and fired.",
	})

	streamConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_stream_connects_total",
		Help: "Successful WebSocket connections, including reconnects.",
	})

	streamDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_stream_dropped_events_total",
		Help: "Price events shed because the consumer fell behind.",
	})

	lastPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_last_price",
		Help: "Most recent ticker price observed on the stream.",
	})

	restartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_restarts_requested_total",
		Help: "Process restarts requested by the supervisor.",
	})
)

// IncSignal counts one processed signal with its outcome (success, ignored,
// error).
func IncSignal(status string) {
	signalsTotal.WithLabelValues(status).Inc()
}

// IncOrder counts one order submission by venue order type.
func IncOrder(orderType string) {
	ordersTotal.WithLabelValues(orderType).Inc()
}

// IncWatchFires counts one fired price watch.
func IncWatchFires() {
	watchFiresTotal.Inc()
}

// IncStreamConnects counts one successful stream connection.
func IncStreamConnects() {
	streamConnectsTotal.Inc()
}

// IncStreamDrops counts one shed price event.
func IncStreamDrops() {
	streamDropsTotal.Inc()
}

// SetLastPrice records the latest observed price.
func SetLastPrice(p float64) {
	lastPrice.Set(p)
}

// IncRestarts counts one requested process restart.
func IncRestarts() {
	restartsTotal.Inc()
}
