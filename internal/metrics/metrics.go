// Package metrics provides Prometheus instrumentation for the chat widget
// client: message intake per channel and outcome, HTTP send/poll results, and
// the realtime connection state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Intake outcomes recorded on MessagesTotal.
const (
	OutcomeRendered  = "rendered"
	OutcomeInternal  = "internal"
	OutcomeNotAgent  = "not_agent"
	OutcomeDuplicate = "duplicate"
)

var (
	// MessagesTotal counts inbound messages by delivery channel and intake
	// outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_messages_total",
		Help: "Inbound messages processed by the reconciliation intake",
	}, []string{"channel", "outcome"})

	// SendsTotal counts visitor sends by path ("realtime", "http") and result
	// ("ok", "error", "throttled").
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_sends_total",
		Help: "Visitor messages dispatched",
	}, []string{"path", "result"})

	// SendLatency records HTTP send round trips in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "widget_send_latency_seconds",
		Help:    "HTTP send round trip in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// PollsTotal counts polling cycles by result ("ok", "error", "skipped").
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_polls_total",
		Help: "Polling fallback cycles",
	}, []string{"result"})

	// ReconnectsTotal counts realtime reconnect attempts.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "widget_realtime_reconnects_total",
		Help: "Realtime reconnect attempts",
	})

	// RealtimeState is 1 for the current realtime state and 0 for the others.
	RealtimeState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "widget_realtime_state",
		Help: "Current realtime connection state",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		SendsTotal,
		SendLatency,
		PollsTotal,
		ReconnectsTotal,
		RealtimeState,
	)
}

// SetRealtimeState marks state as current on the RealtimeState gauge.
func SetRealtimeState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		RealtimeState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
