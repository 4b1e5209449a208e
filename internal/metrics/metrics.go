// Package metrics exposes Prometheus series for the bridge's polling,
// dispatch, and execution activity. Series are registered once in init()
// and served by the HTTP server's /metrics handler (promhttp).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollTicks counts completed polling ticks by loop name and outcome
	// (ok|error).
	PollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_poll_ticks_total",
			Help: "Polling loop ticks by loop and outcome",
		},
		[]string{"loop", "outcome"},
	)

	// PollConsecutiveErrors reports the live consecutive-error count per
	// loop, reset to zero on a successful tick.
	PollConsecutiveErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_poll_consecutive_errors",
			Help: "Consecutive failed ticks for a polling loop",
		},
		[]string{"loop"},
	)

	// PollDisabled is 1 while a loop has tripped its error budget.
	PollDisabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_poll_disabled",
			Help: "1 while a polling loop is disabled after exhausting its error budget",
		},
		[]string{"loop"},
	)

	// SignalsReceived counts inbound webhook signals by outcome
	// (accepted|rejected).
	SignalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_signals_total",
			Help: "Inbound trade signals by outcome",
		},
		[]string{"account", "outcome"},
	)

	// OrdersPlaced is labelled for broker order placements by account and
	// kind (limit|market). No component increments it.
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_orders_placed_total",
			Help: "Orders placed with the broker",
		},
		[]string{"account", "kind"},
	)

	// OrdersFilled is labelled for completed fills by account. No component
	// increments it.
	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_orders_filled_total",
			Help: "Orders that reached a filled state",
		},
		[]string{"account"},
	)

	// DeltaRecordsWritten is labelled for Delta ledger writes by account and
	// action. No component increments it.
	DeltaRecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_delta_records_total",
			Help: "Delta ledger rows appended, by action",
		},
		[]string{"account", "action"},
	)

	// NotifyFailures counts notifier delivery attempts that exhausted
	// retries.
	NotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_notify_failures_total",
			Help: "Notifier deliveries that failed after exhausting retries",
		},
		[]string{"channel"},
	)
)

// Handler returns the HTTP handler that serves the registered series in
// the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	prometheus.MustRegister(
		PollTicks,
		PollConsecutiveErrors,
		PollDisabled,
		SignalsReceived,
		OrdersPlaced,
		OrdersFilled,
		DeltaRecordsWritten,
		NotifyFailures,
	)
}
